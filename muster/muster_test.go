package muster

import (
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/muster/testutil"
)

func testConfig(t *testing.T, ip net.IP) *Config {
	conf := DefaultConfig()
	conf.Init()
	conf.MemberlistConfig.BindAddr = ip.String()

	// Set probe intervals that are aggressive for finding bad nodes
	conf.MemberlistConfig.GossipInterval = 5 * time.Millisecond
	conf.MemberlistConfig.ProbeInterval = 50 * time.Millisecond
	conf.MemberlistConfig.ProbeTimeout = 25 * time.Millisecond
	conf.MemberlistConfig.TCPTimeout = 100 * time.Millisecond
	conf.MemberlistConfig.SuspicionMult = 1

	conf.NodeName = fmt.Sprintf("node-%s", conf.MemberlistConfig.BindAddr)

	// Set a short reap interval so that it can run during the test
	conf.ReapInterval = 1 * time.Second

	// Set a short reconnect interval so that it can run a lot during tests
	conf.ReconnectInterval = 100 * time.Millisecond

	// Set broadcast timeouts to be keep the leave path quick
	conf.BroadcastTimeout = 1 * time.Second
	conf.LeavePropagateDelay = 10 * time.Millisecond

	conf.LogOutput = testutil.TestWriter(t)

	return conf
}

// waitUntil retries the check function until it passes or the deadline
// elapses.
func waitUntil(t *testing.T, d time.Duration, check func() error) {
	t.Helper()
	deadline := time.Now().Add(d)
	var err error
	for time.Now().Before(deadline) {
		if err = check(); err == nil {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timeout: %v", err)
}

func TestCreate_badProtocolVersion(t *testing.T) {
	cases := []struct {
		version uint8
		err     bool
	}{
		{ProtocolVersionMin, false},
		{ProtocolVersionMax, false},
		{ProtocolVersionMin - 1, true},
		{ProtocolVersionMax + 1, true},
	}

	for _, tc := range cases {
		ip, returnFn := testutil.TakeIP()
		conf := testConfig(t, ip)
		conf.ProtocolVersion = tc.version
		m, err := Create(conf)
		if tc.err && err == nil {
			t.Errorf("version %d: should have failed", tc.version)
		} else if !tc.err && err != nil {
			t.Errorf("version %d: err: %v", tc.version, err)
		}
		if m != nil {
			m.Shutdown()
		}
		returnFn()
	}
}

func TestMuster_Lifecycle(t *testing.T) {
	ip, returnFn := testutil.TakeIP()
	defer returnFn()

	m, err := Create(testConfig(t, ip))
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if m.State() != MusterAlive {
		t.Fatalf("bad state: %v", m.State())
	}
	if !m.IsReady() {
		t.Fatalf("should be ready")
	}
	if m.NumMembers() != 1 {
		t.Fatalf("bad members: %d", m.NumMembers())
	}

	if err := m.Leave(); err != nil {
		t.Fatalf("err: %v", err)
	}
	if m.State() != MusterLeft {
		t.Fatalf("bad state: %v", m.State())
	}
	if m.IsReady() {
		t.Fatalf("should not be ready after leave")
	}

	// Leave is idempotent
	if err := m.Leave(); err != nil {
		t.Fatalf("err: %v", err)
	}

	// UserEvent is gated after leave
	if err := m.UserEvent("x", nil, false); err == nil {
		t.Fatalf("user event should be rejected after leave")
	}

	if err := m.Shutdown(); err != nil {
		t.Fatalf("err: %v", err)
	}
	if m.State() != MusterShutdown {
		t.Fatalf("bad state: %v", m.State())
	}
	if m.IsReady() {
		t.Fatalf("should not be ready after shutdown")
	}

	// Shutdown is idempotent
	if err := m.Shutdown(); err != nil {
		t.Fatalf("err: %v", err)
	}

	select {
	case <-m.ShutdownCh():
	default:
		t.Fatalf("shutdown channel should be closed")
	}
}

func TestMuster_IsReady_Concurrent(t *testing.T) {
	ip, returnFn := testutil.TakeIP()
	defer returnFn()

	m, err := Create(testConfig(t, ip))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer m.Shutdown()

	var wg sync.WaitGroup
	results := make([]bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.IsReady()
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		if !r {
			t.Fatalf("reader %d disagreed", i)
		}
	}
}

func TestMuster_Shutdown_Prompt(t *testing.T) {
	ip, returnFn := testutil.TakeIP()
	defer returnFn()

	m, err := Create(testConfig(t, ip))
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	start := time.Now()
	if err := m.Leave(); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := m.Shutdown(); err != nil {
		t.Fatalf("err: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("shutdown took too long: %v", elapsed)
	}
}

func TestMuster_Join(t *testing.T) {
	ip1, returnFn1 := testutil.TakeIP()
	defer returnFn1()
	ip2, returnFn2 := testutil.TakeIP()
	defer returnFn2()

	m1, err := Create(testConfig(t, ip1))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer m1.Shutdown()

	conf2 := testConfig(t, ip2)
	m2, err := Create(conf2)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer m2.Shutdown()

	n, err := m1.Join([]string{conf2.MemberlistConfig.BindAddr}, false)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if n != 1 {
		t.Fatalf("bad join count: %d", n)
	}

	waitUntil(t, 5*time.Second, func() error {
		if m1.NumMembers() != 2 || m2.NumMembers() != 2 {
			return fmt.Errorf("members: %d / %d", m1.NumMembers(), m2.NumMembers())
		}
		return nil
	})
}

func TestMuster_RemoveFailedNode(t *testing.T) {
	ip1, returnFn1 := testutil.TakeIP()
	defer returnFn1()
	ip2, returnFn2 := testutil.TakeIP()
	defer returnFn2()

	m1, err := Create(testConfig(t, ip1))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer m1.Shutdown()

	conf2 := testConfig(t, ip2)
	name2 := conf2.NodeName
	m2, err := Create(conf2)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if _, err := m1.Join([]string{conf2.MemberlistConfig.BindAddr}, false); err != nil {
		t.Fatalf("err: %v", err)
	}
	waitUntil(t, 5*time.Second, func() error {
		if m1.NumMembers() != 2 {
			return fmt.Errorf("members: %d", m1.NumMembers())
		}
		return nil
	})

	// Kill the second node ungracefully and wait for the failure
	m2.Shutdown()
	waitUntil(t, 10*time.Second, func() error {
		mem, ok := m1.GetMember(name2)
		if !ok || mem.Status != StatusFailed {
			return fmt.Errorf("status: %v", mem.Status)
		}
		return nil
	})

	// Force remove it
	if err := m1.RemoveFailedNode(name2); err != nil {
		t.Fatalf("err: %v", err)
	}
	waitUntil(t, 5*time.Second, func() error {
		mem, _ := m1.GetMember(name2)
		if mem.Status != StatusLeft {
			return fmt.Errorf("status: %v", mem.Status)
		}
		return nil
	})
}

func TestMuster_SnapshotRecovery(t *testing.T) {
	ip1, returnFn1 := testutil.TakeIP()
	defer returnFn1()
	ip2, returnFn2 := testutil.TakeIP()
	defer returnFn2()

	td := t.TempDir()
	snapPath := filepath.Join(td, "snap")

	m1, err := Create(testConfig(t, ip1))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer m1.Shutdown()

	conf2 := testConfig(t, ip2)
	conf2.SnapshotPath = snapPath
	conf2.RejoinAfterLeave = true
	name2 := conf2.NodeName
	m2, err := Create(conf2)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	conf1 := m1.config
	if _, err := m2.Join([]string{conf1.MemberlistConfig.BindAddr}, false); err != nil {
		t.Fatalf("err: %v", err)
	}
	waitUntil(t, 5*time.Second, func() error {
		if m1.NumMembers() != 2 || m2.NumMembers() != 2 {
			return fmt.Errorf("members: %d / %d", m1.NumMembers(), m2.NumMembers())
		}
		return nil
	})

	// Fire an event and wait long enough for a snapshot flush
	if err := m2.UserEvent("deploy", []byte("v1"), false); err != nil {
		t.Fatalf("err: %v", err)
	}
	time.Sleep(1500 * time.Millisecond)

	// Kill the second node ungracefully
	m2.Shutdown()
	waitUntil(t, 10*time.Second, func() error {
		mem, ok := m1.GetMember(name2)
		if !ok || mem.Status != StatusFailed {
			return fmt.Errorf("status: %v", mem.Status)
		}
		return nil
	})

	// Restart from the snapshot on the same address and port. The
	// snapshot should drive a rejoin to the first node.
	conf2 = testConfig(t, ip2)
	conf2.NodeName = name2
	conf2.SnapshotPath = snapPath
	conf2.RejoinAfterLeave = true
	m2, err = Create(conf2)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer m2.Shutdown()

	waitUntil(t, 15*time.Second, func() error {
		if m1.NumMembers() != 2 || m2.NumMembers() != 2 {
			return fmt.Errorf("members: %d / %d", m1.NumMembers(), m2.NumMembers())
		}
		mem, _ := m1.GetMember(name2)
		if mem.Status != StatusAlive {
			return fmt.Errorf("status: %v", mem.Status)
		}
		return nil
	})
}

func TestMuster_LeaveSuppressesRejoin(t *testing.T) {
	ip1, returnFn1 := testutil.TakeIP()
	defer returnFn1()
	ip2, returnFn2 := testutil.TakeIP()
	defer returnFn2()

	td := t.TempDir()
	snapPath := filepath.Join(td, "snap")

	m1, err := Create(testConfig(t, ip1))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer m1.Shutdown()

	conf2 := testConfig(t, ip2)
	conf2.SnapshotPath = snapPath
	name2 := conf2.NodeName
	m2, err := Create(conf2)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	conf1 := m1.config
	if _, err := m2.Join([]string{conf1.MemberlistConfig.BindAddr}, false); err != nil {
		t.Fatalf("err: %v", err)
	}
	waitUntil(t, 5*time.Second, func() error {
		if m1.NumMembers() != 2 || m2.NumMembers() != 2 {
			return fmt.Errorf("members: %d / %d", m1.NumMembers(), m2.NumMembers())
		}
		return nil
	})

	// Graceful leave, then shutdown
	if err := m2.Leave(); err != nil {
		t.Fatalf("err: %v", err)
	}
	m2.Shutdown()

	// The first node should observe the graceful leave
	waitUntil(t, 10*time.Second, func() error {
		mem, _ := m1.GetMember(name2)
		if mem.Status != StatusLeft {
			return fmt.Errorf("status: %v", mem.Status)
		}
		return nil
	})

	// Restart without RejoinAfterLeave; no rejoin should be attempted
	conf2 = testConfig(t, ip2)
	conf2.NodeName = name2
	conf2.SnapshotPath = snapPath
	m2, err = Create(conf2)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer m2.Shutdown()

	time.Sleep(2 * time.Second)
	if n := m2.NumMembers(); n != 1 {
		t.Fatalf("should not have rejoined: %d members", n)
	}
}
