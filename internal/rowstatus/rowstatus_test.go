package rowstatus

import (
	"sync"
	"testing"
	"time"

	"github.com/geekxflood/common/logging"

	"github.com/geekxflood/proteus/internal/oid"
	"github.com/geekxflood/proteus/internal/types"
)

func TestTransition(t *testing.T) {
	consistent := NewController()
	inconsistent := NewController(WithConsistencyChecker(ConsistencyFunc(func(oid.OID, []types.Variable) types.ErrorStatus {
		return types.ErrorStatusInconsistentValue
	})))

	tests := []struct {
		name           string
		ctl            *Controller
		current        RowStatus
		requested      RowStatus
		expectedStatus RowStatus
		expectedError  types.ErrorStatus
	}{
		{"create and go", consistent, NotExistent, CreateAndGo, Active, types.ErrorStatusNoError},
		{"create and go denied", inconsistent, NotExistent, CreateAndGo, NotExistent, types.ErrorStatusInconsistentValue},
		{"create and wait", consistent, NotExistent, CreateAndWait, NotInService, types.ErrorStatusNoError},
		{"create and wait incomplete", inconsistent, NotExistent, CreateAndWait, NotReady, types.ErrorStatusNoError},
		{"activate missing row", consistent, NotExistent, Active, NotExistent, types.ErrorStatusInconsistentValue},
		{"destroy missing row", consistent, NotExistent, Destroy, NotExistent, types.ErrorStatusNoError},
		{"create existing", consistent, Active, CreateAndWait, Active, types.ErrorStatusInconsistentValue},
		{"suspend", consistent, Active, NotInService, NotInService, types.ErrorStatusNoError},
		{"resume", consistent, NotInService, Active, Active, types.ErrorStatusNoError},
		{"activate denied", inconsistent, NotInService, Active, NotInService, types.ErrorStatusInconsistentValue},
		{"not ready to not in service", inconsistent, NotReady, NotInService, NotReady, types.ErrorStatusInconsistentValue},
		{"destroy", consistent, Active, Destroy, NotExistent, types.ErrorStatusNoError},
		{"write notReady", consistent, Active, NotReady, Active, types.ErrorStatusWrongValue},
		{"out of range", consistent, Active, RowStatus(9), Active, types.ErrorStatusWrongValue},
		{"write zero", consistent, NotExistent, NotExistent, NotExistent, types.ErrorStatusWrongValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, status := tt.ctl.Transition(tt.current, tt.requested, oid.OID{1}, nil)
			if got != tt.expectedStatus {
				t.Errorf("Expected status %s, got %s", tt.expectedStatus, got)
			}
			if status != tt.expectedError {
				t.Errorf("Expected error %s, got %s", tt.expectedError, status)
			}
		})
	}
}

func TestCheckerErrorIsSurfaced(t *testing.T) {
	ctl := NewController(WithConsistencyChecker(ConsistencyFunc(func(index oid.OID, values []types.Variable) types.ErrorStatus {
		if len(values) == 0 {
			return types.ErrorStatusInconsistentName
		}
		return types.ErrorStatusNoError
	})))

	if _, status := ctl.Transition(NotExistent, CreateAndGo, oid.OID{1}, nil); status != types.ErrorStatusInconsistentName {
		t.Errorf("Expected checker status, got %s", status)
	}
	if got, status := ctl.Transition(NotExistent, CreateAndGo, oid.OID{1}, []types.Variable{types.Integer(1)}); status.IsError() || got != Active {
		t.Errorf("Expected active, got %s (%s)", got, status)
	}
}

func TestSizeLimitAdmit(t *testing.T) {
	tests := []struct {
		name          string
		limit         SizeLimit
		count         int
		expectedEvict int
		expectedError types.ErrorStatus
	}{
		{"unlimited", SizeLimit{}, 100, 0, types.ErrorStatusNoError},
		{"below limit", SizeLimit{Max: 2}, 1, 0, types.ErrorStatusNoError},
		{"deny at limit", SizeLimit{Max: 2}, 2, 0, types.ErrorStatusResourceUnavailable},
		{"evict at limit", SizeLimit{Max: 2, Evict: true}, 2, 1, types.ErrorStatusNoError},
		{"evict over limit", SizeLimit{Max: 2, Evict: true}, 4, 3, types.ErrorStatusNoError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evict, status := tt.limit.Admit(tt.count, 1)
			if evict != tt.expectedEvict || status != tt.expectedError {
				t.Errorf("Expected (%d, %s), got (%d, %s)", tt.expectedEvict, tt.expectedError, evict, status)
			}
		})
	}
}

func TestEvents(t *testing.T) {
	tests := []struct {
		old, next RowStatus
		expected  []EventType
	}{
		{NotExistent, Active, []EventType{EventCreated, EventActivated}},
		{NotExistent, NotInService, []EventType{EventCreated}},
		{NotInService, Active, []EventType{EventActivated}},
		{Active, NotInService, []EventType{EventDeactivated}},
		{Active, NotExistent, []EventType{EventDeactivated, EventDestroyed}},
		{NotReady, NotExistent, []EventType{EventDestroyed}},
		{Active, Active, nil},
	}

	for _, tt := range tests {
		events := Events(oid.OID{1}, tt.old, tt.next, nil)
		if len(events) != len(tt.expected) {
			t.Errorf("%s -> %s: expected %v, got %d events", tt.old, tt.next, tt.expected, len(events))
			continue
		}
		for i, e := range events {
			if e.Type != tt.expected[i] {
				t.Errorf("%s -> %s: event %d is %s, expected %s", tt.old, tt.next, i, e.Type, tt.expected[i])
			}
		}
	}
}

func TestListeners(t *testing.T) {
	ctl := NewController()
	var got []EventType
	remove := ctl.AddListener(RowChangeFunc(func(e RowChangeEvent) { got = append(got, e.Type) }))

	ctl.Notify(oid.OID{7}, NotExistent, Active, nil)
	remove()
	ctl.Notify(oid.OID{7}, Active, NotExistent, nil)

	if len(got) != 2 || got[0] != EventCreated || got[1] != EventActivated {
		t.Errorf("Unexpected events %v", got)
	}
}

type manualScheduler struct {
	mu        sync.Mutex
	scheduled int
	cancelled int
}

type manualHandle struct{ s *manualScheduler }

func (h manualHandle) Cancel() {
	h.s.mu.Lock()
	h.s.cancelled++
	h.s.mu.Unlock()
}

func (s *manualScheduler) Schedule(interval time.Duration, task func()) TaskHandle {
	s.mu.Lock()
	s.scheduled++
	s.mu.Unlock()
	task()
	return manualHandle{s: s}
}

func TestTaskBinder(t *testing.T) {
	logger, _, _ := logging.NewLogger(logging.Config{Level: "error", Format: "json"})
	sched := &manualScheduler{}
	runs := 0
	binder := NewTaskBinder(sched, func(e RowChangeEvent) (time.Duration, func(), bool) {
		if e.Index[0] == 0 {
			return 0, nil, false
		}
		return time.Minute, func() { runs++ }, true
	}, logger)

	ctl := NewController()
	ctl.AddListener(binder)

	index := oid.OID{1}
	ctl.Notify(index, NotExistent, Active, nil)
	if !binder.Running(index) || runs != 1 {
		t.Fatalf("Expected task to start on activation (runs=%d)", runs)
	}

	ctl.Notify(index, Active, NotInService, nil)
	if binder.Running(index) || sched.cancelled != 1 {
		t.Error("Expected task to be cancelled on deactivation")
	}

	ctl.Notify(oid.OID{0}, NotExistent, Active, nil)
	if binder.Running(oid.OID{0}) {
		t.Error("Rows without a task must not schedule one")
	}

	ctl.Notify(index, NotInService, Active, nil)
	binder.Stop()
	if binder.Running(index) || sched.cancelled != 2 {
		t.Errorf("Expected Stop to cancel remaining tasks, cancelled=%d", sched.cancelled)
	}
}

func TestTickerScheduler(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	h := TickerScheduler{}.Schedule(5*time.Millisecond, func() {
		mu.Lock()
		runs++
		mu.Unlock()
	})

	time.Sleep(30 * time.Millisecond)
	h.Cancel()
	h.Cancel()

	mu.Lock()
	afterCancel := runs
	mu.Unlock()
	if afterCancel < 2 {
		t.Errorf("Expected several runs, got %d", afterCancel)
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if runs != afterCancel {
		t.Error("Task ran after cancellation")
	}
}
