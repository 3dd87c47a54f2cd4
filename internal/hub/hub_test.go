package hub

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/entity"
	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/protocol"
)

type recordingSink struct {
	mu     sync.Mutex
	msgs   [][]byte
	refuse bool
}

func (s *recordingSink) Enqueue(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse {
		return false
	}
	s.msgs = append(s.msgs, msg)
	return true
}

// take returns and clears everything received so far.
func (s *recordingSink) take(t *testing.T) []protocol.Notification {
	t.Helper()
	s.mu.Lock()
	msgs := s.msgs
	s.msgs = nil
	s.mu.Unlock()

	out := make([]protocol.Notification, 0, len(msgs))
	for _, m := range msgs {
		n, err := protocol.ParseNotification(m)
		if err != nil {
			t.Fatalf("ParseNotification(%s): %v", m, err)
		}
		out = append(out, n)
	}
	return out
}

type testHub struct {
	*Handle
	hub     *Hub
	metrics *metrics.Metrics
}

func startHub(t *testing.T) *testHub {
	t.Helper()
	m := metrics.New()
	h := New(Config{Metrics: m, VerifyInvariants: true})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		if err := <-errCh; !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
		if got := m.Get(metrics.InvariantViolation); got != 0 {
			t.Errorf("invariant violations=%d, want 0", got)
		}
	})
	return &testHub{Handle: h.Handle(), hub: h, metrics: m}
}

// sync waits until every command queued so far has been applied.
func (th *testHub) sync(t *testing.T) Stats {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := th.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	return s
}

func (th *testHub) user(t *testing.T) (entity.UserID, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	id, err := th.RegisterUser(context.Background(), sink)
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	return id, sink
}

func (th *testHub) device(t *testing.T, name string) (entity.DeviceID, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	id, err := th.RegisterDevice(context.Background(), name, sink)
	if err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	return id, sink
}

func wantTypes(t *testing.T, got []protocol.Notification, want ...protocol.NotificationType) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d notifications %+v, want %v", len(got), got, want)
	}
	for i := range want {
		if got[i].Type != want[i] {
			t.Fatalf("notification %d type=%q, want %q (all: %+v)", i, got[i].Type, want[i], got)
		}
	}
}

func TestHub_PhonePairingScenario(t *testing.T) {
	th := startHub(t)

	d1, _ := th.device(t, "phone")
	u1, u1Sink := th.user(t)
	_, u2Sink := th.user(t)
	th.sync(t)

	initial := u1Sink.take(t)
	wantTypes(t, initial, protocol.NotificationUpdateDevices)
	if devs := initial[0].Devices; len(devs) != 1 || devs[0].ID != d1 || devs[0].Name != "phone" || devs[0].State != entity.DeviceOpen {
		t.Fatalf("initial devices=%+v, want open phone %s", devs, d1)
	}
	u2Sink.take(t)

	if err := th.Connect(u1, d1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	th.sync(t)

	got := u1Sink.take(t)
	wantTypes(t, got, protocol.NotificationRemoveDevice, protocol.NotificationUpdateConnectedDevice)
	if dev := got[1].Device; dev == nil || dev.ID != d1 || dev.State != entity.DeviceConnected {
		t.Fatalf("connected device=%+v, want %s Connected", dev, d1)
	}
	other := u2Sink.take(t)
	wantTypes(t, other, protocol.NotificationRemoveDevice)
	if *other[0].DeviceID != d1 {
		t.Fatalf("RemoveDevice id=%s, want %s", *other[0].DeviceID, d1)
	}

	if err := th.UnregisterDevice(d1); err != nil {
		t.Fatalf("UnregisterDevice: %v", err)
	}
	th.sync(t)
	got = u1Sink.take(t)
	wantTypes(t, got, protocol.NotificationRemoveConnectedDevice)
	if *got[0].DeviceID != d1 {
		t.Fatalf("RemoveConnectedDevice id=%s, want %s", *got[0].DeviceID, d1)
	}
	wantTypes(t, u2Sink.take(t))

	d2, _ := th.device(t, "phone")
	if d2 == d1 {
		t.Fatalf("re-registered device reused id %s", d1)
	}
}

func TestHub_UsersSeeNewDevice(t *testing.T) {
	th := startHub(t)
	_, s1 := th.user(t)
	_, s2 := th.user(t)
	th.sync(t)

	for _, s := range []*recordingSink{s1, s2} {
		got := s.take(t)
		wantTypes(t, got, protocol.NotificationUpdateDevices)
		if len(got[0].Devices) != 0 {
			t.Fatalf("initial devices=%+v, want none", got[0].Devices)
		}
	}

	d, _ := th.device(t, "tv")
	th.sync(t)
	for _, s := range []*recordingSink{s1, s2} {
		got := s.take(t)
		wantTypes(t, got, protocol.NotificationUpdateDevices)
		if devs := got[0].Devices; len(devs) != 1 || devs[0].ID != d {
			t.Fatalf("devices=%+v, want [%s]", devs, d)
		}
	}
}

func TestHub_ConnectExclusivity(t *testing.T) {
	th := startHub(t)
	d, _ := th.device(t, "camera")
	u1, _ := th.user(t)
	u2, s2 := th.user(t)

	_ = th.Connect(u1, d)
	th.sync(t)
	s2.take(t)

	_ = th.Connect(u2, d)
	th.sync(t)
	got := s2.take(t)
	wantTypes(t, got, protocol.NotificationError)
	if got[0].Message != ErrAlreadyPaired.Error() {
		t.Fatalf("message=%q, want %q", got[0].Message, ErrAlreadyPaired.Error())
	}

	if s := th.sync(t); s.PairedDevices != 1 || s.OpenDevices != 0 {
		t.Fatalf("stats=%+v, want one paired device", s)
	}
	if got := th.metrics.Get(metrics.ConnectRejected); got != 1 {
		t.Fatalf("connect_rejected=%d, want 1", got)
	}
}

func TestHub_ConnectReplayIsIdempotent(t *testing.T) {
	th := startHub(t)
	d, _ := th.device(t, "camera")
	u, s := th.user(t)
	_, other := th.user(t)

	_ = th.Connect(u, d)
	th.sync(t)
	s.take(t)
	other.take(t)

	_ = th.Connect(u, d)
	th.sync(t)
	wantTypes(t, s.take(t), protocol.NotificationUpdateConnectedDevice)
	wantTypes(t, other.take(t))
	if st := th.sync(t); st.PairedDevices != 1 {
		t.Fatalf("stats=%+v, want one paired device", st)
	}
}

func TestHub_ConnectDisconnectRoundTrip(t *testing.T) {
	th := startHub(t)
	d, _ := th.device(t, "laptop")
	u, s := th.user(t)
	_, other := th.user(t)
	before := th.sync(t)
	s.take(t)
	other.take(t)

	_ = th.Connect(u, d)
	_ = th.Disconnect(u, d)
	after := th.sync(t)
	if after != before {
		t.Fatalf("stats after round trip=%+v, want %+v", after, before)
	}

	got := s.take(t)
	wantTypes(t, got,
		protocol.NotificationRemoveDevice,
		protocol.NotificationUpdateConnectedDevice,
		protocol.NotificationRemoveConnectedDevice,
		protocol.NotificationUpdateDevices,
	)
	if devs := got[3].Devices; len(devs) != 1 || devs[0].ID != d || devs[0].State != entity.DeviceOpen {
		t.Fatalf("UpdateDevices=%+v, want %s Open", devs, d)
	}
	wantTypes(t, other.take(t), protocol.NotificationRemoveDevice, protocol.NotificationUpdateDevices)
}

func TestHub_DisconnectUnpaired(t *testing.T) {
	th := startHub(t)
	d, _ := th.device(t, "laptop")
	u, s := th.user(t)
	th.sync(t)
	s.take(t)

	_ = th.Disconnect(u, d)
	th.sync(t)
	got := s.take(t)
	wantTypes(t, got, protocol.NotificationRemoveConnectedDevice, protocol.NotificationError)
	if got[1].Message != ErrNotPaired.Error() {
		t.Fatalf("message=%q, want %q", got[1].Message, ErrNotPaired.Error())
	}
	if st := th.sync(t); st.OpenDevices != 1 || st.PairedDevices != 0 {
		t.Fatalf("stats=%+v, want device still open", st)
	}
}

func TestHub_DisconnectForeignPairingLeavesOwner(t *testing.T) {
	th := startHub(t)
	d, _ := th.device(t, "laptop")
	owner, _ := th.user(t)
	intruder, s := th.user(t)

	_ = th.Connect(owner, d)
	th.sync(t)
	s.take(t)

	_ = th.Disconnect(intruder, d)
	th.sync(t)
	wantTypes(t, s.take(t), protocol.NotificationRemoveConnectedDevice, protocol.NotificationError)
	if st := th.sync(t); st.PairedDevices != 1 {
		t.Fatalf("stats=%+v, want pairing kept", st)
	}
}

func TestHub_UnregisterIsIdempotent(t *testing.T) {
	th := startHub(t)
	d, _ := th.device(t, "phone")
	u, _ := th.user(t)

	for i := 0; i < 2; i++ {
		_ = th.UnregisterDevice(d)
		_ = th.UnregisterUser(u)
	}
	_ = th.Connect(u, d)
	_ = th.Disconnect(u, d)

	if st := th.sync(t); st != (Stats{}) {
		t.Fatalf("stats=%+v, want empty", st)
	}
}

func TestHub_UnregisterUserFreesDevices(t *testing.T) {
	th := startHub(t)
	d1, _ := th.device(t, "a")
	d2, _ := th.device(t, "b")
	u, _ := th.user(t)
	_, watcher := th.user(t)

	_ = th.Connect(u, d1)
	_ = th.Connect(u, d2)
	th.sync(t)
	watcher.take(t)

	_ = th.UnregisterUser(u)
	th.sync(t)
	got := watcher.take(t)
	wantTypes(t, got, protocol.NotificationUpdateDevices)
	devs := got[0].Devices
	if len(devs) != 2 || devs[0].ID != d1 || devs[1].ID != d2 {
		t.Fatalf("freed devices=%+v, want [%s %s]", devs, d1, d2)
	}
	for _, dev := range devs {
		if dev.State != entity.DeviceOpen {
			t.Fatalf("freed device %s state=%s, want Open", dev.ID, dev.State)
		}
	}
	if st := th.sync(t); st.OpenDevices != 2 || st.Users != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestHub_SignalingRouting(t *testing.T) {
	th := startHub(t)
	d, ds := th.device(t, "phone")
	u, us := th.user(t)
	stranger, ss := th.user(t)
	signal := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)

	// Not paired yet: nothing is delivered.
	_ = th.UserSignaling(u, d, signal)
	_ = th.DeviceSignaling(d, signal)
	th.sync(t)
	got := ds.take(t)
	wantTypes(t, got, protocol.NotificationError)
	if got[0].Message != ErrNotPaired.Error() {
		t.Fatalf("device error=%q, want %q", got[0].Message, ErrNotPaired.Error())
	}

	_ = th.Connect(u, d)
	th.sync(t)
	us.take(t)
	ss.take(t)

	_ = th.UserSignaling(u, d, signal)
	_ = th.UserSignaling(stranger, d, json.RawMessage(`"spoofed"`))
	_ = th.DeviceSignaling(d, json.RawMessage(`{"candidate":"c"}`))
	th.sync(t)

	got = ds.take(t)
	wantTypes(t, got, protocol.NotificationUserSignaling)
	if string(got[0].Signal) != string(signal) {
		t.Fatalf("device signal=%s, want %s", got[0].Signal, signal)
	}
	got = us.take(t)
	wantTypes(t, got, protocol.NotificationDeviceSignaling)
	if *got[0].DeviceID != d || string(got[0].Signal) != `{"candidate":"c"}` {
		t.Fatalf("user notification=%+v", got[0])
	}
	wantTypes(t, ss.take(t))
}

func TestHub_RefusingSinkDoesNotStall(t *testing.T) {
	th := startHub(t)
	stuck := &recordingSink{refuse: true}
	if _, err := th.RegisterUser(context.Background(), stuck); err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	_, live := th.user(t)
	th.device(t, "phone")
	th.sync(t)

	wantTypes(t, live.take(t), protocol.NotificationUpdateDevices, protocol.NotificationUpdateDevices)
	if got := th.metrics.Get(metrics.NotificationDropped); got != 2 {
		t.Fatalf("notification_dropped=%d, want 2", got)
	}
}

func TestHub_HandleAfterStop(t *testing.T) {
	h := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run=%v, want context.Canceled", err)
	}
	if err := h.Run(context.Background()); err == nil {
		t.Fatalf("second Run succeeded")
	}

	hd := h.Handle()
	if _, err := hd.RegisterUser(context.Background(), &recordingSink{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("RegisterUser err=%v, want %v", err, ErrStopped)
	}
	if err := hd.Connect(entity.NewUserID(), entity.NewDeviceID()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Connect err=%v, want %v", err, ErrStopped)
	}
	if _, err := hd.Stats(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Stats err=%v, want %v", err, ErrStopped)
	}
}

func TestHub_AbandonedRegistrationIsUndone(t *testing.T) {
	h := New(Config{VerifyInvariants: true})
	hd := h.Handle()

	// Queue a registration before Run starts, then give up on it.
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := hd.RegisterDevice(ctx, "phone", &recordingSink{})
		errCh <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for len(h.cmds) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("registration never queued")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("RegisterDevice err=%v, want context.Canceled", err)
	}

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() { _ = h.Run(runCtx) }()

	for {
		st, err := hd.Stats(context.Background())
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if st.Devices == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("abandoned device still registered: %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_ConcurrentProducersKeepPairingExclusive(t *testing.T) {
	th := startHub(t)

	const (
		numDevices = 4
		numUsers   = 16
		steps      = 300
	)
	devices := make([]entity.DeviceID, numDevices)
	for i := range devices {
		devices[i], _ = th.device(t, "device")
	}

	type session struct {
		id   entity.UserID
		sink *recordingSink
	}
	final := make([]session, numUsers)
	signal := json.RawMessage(`{"sdp":"v=0"}`)

	var wg sync.WaitGroup
	for i := 0; i < numUsers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(i)))
			register := func() (session, bool) {
				sink := &recordingSink{}
				id, err := th.RegisterUser(context.Background(), sink)
				if err != nil {
					t.Errorf("user %d: RegisterUser: %v", i, err)
					return session{}, false
				}
				return session{id: id, sink: sink}, true
			}
			cur, ok := register()
			if !ok {
				return
			}
			for step := 0; step < steps; step++ {
				d := devices[rng.Intn(numDevices)]
				var err error
				switch rng.Intn(10) {
				case 0, 1, 2, 3:
					err = th.Connect(cur.id, d)
				case 4, 5:
					err = th.Disconnect(cur.id, d)
				case 6, 7, 8:
					err = th.UserSignaling(cur.id, d, signal)
				case 9:
					err = th.UnregisterUser(cur.id)
					if err == nil {
						if cur, ok = register(); !ok {
							return
						}
					}
				}
				if err != nil {
					t.Errorf("user %d step %d: %v", i, step, err)
					return
				}
			}
			final[i] = cur
		}(i)
	}
	for _, d := range devices {
		wg.Add(1)
		go func(d entity.DeviceID) {
			defer wg.Done()
			for step := 0; step < steps; step++ {
				if err := th.DeviceSignaling(d, signal); err != nil {
					t.Errorf("device %s step %d: %v", d, step, err)
					return
				}
			}
		}(d)
	}
	wg.Wait()
	if t.Failed() {
		return
	}
	stats := th.sync(t)

	// Rebuild every user's view of its paired devices from the notifications
	// it received, in order.
	owner := make(map[entity.DeviceID]entity.UserID)
	for _, sess := range final {
		connected := make(map[entity.DeviceID]bool)
		for _, n := range sess.sink.take(t) {
			switch n.Type {
			case protocol.NotificationUpdateConnectedDevice:
				connected[n.Device.ID] = true
			case protocol.NotificationRemoveConnectedDevice:
				delete(connected, *n.DeviceID)
			case protocol.NotificationDeviceSignaling:
				if !connected[*n.DeviceID] {
					t.Fatalf("user %s got a signal from unpaired device %s", sess.id, *n.DeviceID)
				}
			}
		}
		for d := range connected {
			if other, taken := owner[d]; taken {
				t.Fatalf("device %s paired with both %s and %s", d, other, sess.id)
			}
			owner[d] = sess.id
		}
	}
	if len(owner) != stats.PairedDevices {
		t.Fatalf("users see %d paired devices, hub reports %+v", len(owner), stats)
	}
	if stats.Users != numUsers || stats.Devices != numDevices || stats.OpenDevices+stats.PairedDevices != numDevices {
		t.Fatalf("stats=%+v", stats)
	}
}
