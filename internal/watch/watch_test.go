package watch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pilebones/go-udev/netlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigreer/disktui/internal/engine"
)

type recorder struct {
	mu     sync.Mutex
	scopes []engine.Scope
	calls  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{calls: make(chan struct{}, 64)}
}

func (r *recorder) RequestRefresh(_ context.Context, scope engine.Scope) error {
	r.mu.Lock()
	r.scopes = append(r.scopes, scope)
	r.mu.Unlock()
	r.calls <- struct{}{}
	return nil
}

func (r *recorder) got() []engine.Scope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.Scope(nil), r.scopes...)
}

func (r *recorder) waitCalls(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.calls:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for refresh %d", i+1)
		}
	}
}

// chanSource replays events written to it
type chanSource chan Event

func (s chanSource) Run(ctx context.Context, out chan<- Event) error {
	for {
		select {
		case ev := <-s:
			out <- ev
		case <-ctx.Done():
			return nil
		}
	}
}

func start(t *testing.T, r Refresher, opts Options) {
	t.Helper()
	w, err := New(r, opts)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, w.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestParseSchedule(t *testing.T) {
	testcases := []struct {
		Description string
		Expr        string
		Valid       bool
		Nil         bool
	}{
		{Description: "disabled", Expr: "", Valid: true, Nil: true},
		{Description: "every descriptor", Expr: "@every 5m", Valid: true},
		{Description: "hourly descriptor", Expr: "@hourly", Valid: true},
		{Description: "five fields", Expr: "*/10 * * * *", Valid: true},
		{Description: "seconds field is not accepted", Expr: "0 */10 * * * *"},
		{Description: "garbage", Expr: "sometimes"},
	}
	for _, tc := range testcases {
		t.Run(tc.Description, func(t *testing.T) {
			s, err := ParseSchedule(tc.Expr)
			if !tc.Valid {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.Nil, s == nil)
		})
	}

	s, err := ParseSchedule("@every 5m")
	require.NoError(t, err)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(5*time.Minute), s.Next(now))

	_, err = New(newRecorder(), Options{Schedule: "nope"})
	assert.Error(t, err)
}

func TestDebounceCollapsesBursts(t *testing.T) {
	r := newRecorder()
	src := make(chanSource)
	start(t, r, Options{Source: src, Debounce: 50 * time.Millisecond})

	for i := 0; i < 5; i++ {
		src <- Event{Action: "change", Device: "/dev/sdb"}
	}
	src <- Event{Action: "add", Device: "/dev/sdc"}
	r.waitCalls(t, 2)

	assert.Equal(t, []engine.Scope{engine.DeviceScope("/dev/sdb"), engine.DeviceScope("/dev/sdc")}, r.got())

	// quiet again: a later event is a separate refresh
	src <- Event{Action: "remove", Device: "/dev/sdc"}
	r.waitCalls(t, 1)
	assert.Len(t, r.got(), 3)
}

func TestLargeBurstRefreshesEverything(t *testing.T) {
	r := newRecorder()
	src := make(chanSource)
	start(t, r, Options{Source: src, Debounce: 50 * time.Millisecond})

	for _, d := range []string{"/dev/sda", "/dev/sdb", "/dev/sdc", "/dev/sdd", "/dev/sde"} {
		src <- Event{Action: "add", Device: d}
	}
	r.waitCalls(t, 1)
	assert.Equal(t, []engine.Scope{engine.All}, r.got())
}

func TestScheduledRefresh(t *testing.T) {
	r := newRecorder()
	start(t, r, Options{Schedule: "@every 1s"})

	r.waitCalls(t, 1)
	assert.Equal(t, engine.All, r.got()[0])
}

func TestHotplugDisabled(t *testing.T) {
	w, err := New(newRecorder(), Options{})
	require.NoError(t, err)
	assert.Nil(t, w.source)

	w, err = New(newRecorder(), Options{Hotplug: true})
	require.NoError(t, err)
	assert.Equal(t, Netlink{}, w.source)
}

func TestFromUEvent(t *testing.T) {
	testcases := []struct {
		Description string
		Event       netlink.UEvent
		Want        Event
		Keep        bool
	}{
		{
			Description: "disk added",
			Event: netlink.UEvent{Action: netlink.KObjAction("add"), KObj: "/devices/pci0000:00/0000:00:17.0/ata2/host1/target1:0:0/1:0:0:0/block/sdb",
				Env: map[string]string{"SUBSYSTEM": "block", "DEVTYPE": "disk", "DEVNAME": "sdb"}},
			Want: Event{Action: "add", Device: "/dev/sdb"},
			Keep: true,
		},
		{
			Description: "partition changed resolves to its disk",
			Event: netlink.UEvent{Action: netlink.KObjAction("change"), KObj: "/devices/pci0000:00/0000:00:1d.0/nvme/nvme0/nvme0n1/nvme0n1p2",
				Env: map[string]string{"SUBSYSTEM": "block", "DEVTYPE": "partition", "DEVNAME": "nvme0n1p2"}},
			Want: Event{Action: "change", Device: "/dev/nvme0n1"},
			Keep: true,
		},
		{
			Description: "device mapper node",
			Event: netlink.UEvent{Action: netlink.KObjAction("add"), KObj: "/devices/virtual/block/dm-0",
				Env: map[string]string{"SUBSYSTEM": "block", "DEVTYPE": "disk", "DEVNAME": "dm-0"}},
		},
		{
			Description: "loop device",
			Event: netlink.UEvent{Action: netlink.KObjAction("change"), KObj: "/devices/virtual/block/loop3",
				Env: map[string]string{"SUBSYSTEM": "block", "DEVTYPE": "disk", "DEVNAME": "loop3"}},
		},
		{
			Description: "not a block event",
			Event: netlink.UEvent{Action: netlink.KObjAction("add"), KObj: "/devices/virtual/net/veth0",
				Env: map[string]string{"SUBSYSTEM": "net"}},
		},
	}
	for _, tc := range testcases {
		t.Run(tc.Description, func(t *testing.T) {
			got, keep := fromUEvent(tc.Event)
			assert.Equal(t, tc.Keep, keep)
			if tc.Keep {
				assert.Equal(t, tc.Want, got)
			}
		})
	}
}
