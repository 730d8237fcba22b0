package subprocess

import (
	"os"
	"os/user"
	"syscall"
	"testing"
	"time"
)

func currentUsername(t *testing.T) string {
	t.Helper()
	u, err := user.Current()
	if err != nil {
		t.Skipf("no current user available: %v", err)
	}
	return u.Username
}

func noNamespace(string) (int, bool) { return 0, false }

type notification struct {
	session  SessionID
	pid      int
	exitCode int
}

func collectingNotifier() (TermNotifier, <-chan notification) {
	ch := make(chan notification, 8)
	return func(session SessionID, pid, exitCode int) {
		ch <- notification{session, pid, exitCode}
	}, ch
}

// TestStartTracksAndNotifiesOnExit exercises the Start/awaitExit happy
// path: a tracked process that exits cleanly is reported with its exit
// code and originating session.
func TestStartTracksAndNotifiesOnExit(t *testing.T) {
	username := currentUsername(t)
	notify, ch := collectingNotifier()
	l := New(nil, noNamespace, notify)

	pid, err := l.Start(StartParams{Session: 1, RunAsUser: username, Command: "true"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("pid = %d, want > 0", pid)
	}

	select {
	case n := <-ch:
		if n.pid != pid || n.session != 1 || n.exitCode != 0 {
			t.Fatalf("got %+v, want pid=%d session=1 exitCode=0", n, pid)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for termination notification")
	}
}

// TestStartNonZeroExitCode confirms a failing child's exit code is
// propagated, not just success/failure.
func TestStartNonZeroExitCode(t *testing.T) {
	username := currentUsername(t)
	notify, ch := collectingNotifier()
	l := New(nil, noNamespace, notify)

	pid, err := l.Start(StartParams{Session: 2, RunAsUser: username, Command: "false"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case n := <-ch:
		if n.pid != pid || n.exitCode != 1 {
			t.Fatalf("got %+v, want pid=%d exitCode=1", n, pid)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for termination notification")
	}
}

// TestCloseSessionKillsTrackedAndSuppressesNotify exercises §4.5's
// session-close teardown and the late-exit no-op path documented as
// an open design question: once CloseSession has removed a process's
// tracking record and killed it, its eventual exit must not produce a
// termination notification.
func TestCloseSessionKillsTrackedAndSuppressesNotify(t *testing.T) {
	username := currentUsername(t)
	notify, ch := collectingNotifier()
	l := New(nil, noNamespace, notify)

	pid, err := l.Start(StartParams{Session: 7, RunAsUser: username, Command: "sleep 5"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	l.CloseSession(7)

	select {
	case n := <-ch:
		t.Fatalf("unexpected termination notification for killed session: %+v", n)
	case <-time.After(500 * time.Millisecond):
	}

	waitForProcessExit(t, pid)
}

// TestKillAllKillsAcrossSessions exercises reset_all_state's
// cross-session teardown.
func TestKillAllKillsAcrossSessions(t *testing.T) {
	username := currentUsername(t)
	notify, ch := collectingNotifier()
	l := New(nil, noNamespace, notify)

	pid1, err := l.Start(StartParams{Session: 10, RunAsUser: username, Command: "sleep 5"})
	if err != nil {
		t.Fatalf("Start session 10: %v", err)
	}
	pid2, err := l.Start(StartParams{Session: 11, RunAsUser: username, Command: "sleep 5"})
	if err != nil {
		t.Fatalf("Start session 11: %v", err)
	}

	l.KillAll()

	select {
	case n := <-ch:
		t.Fatalf("unexpected termination notification after KillAll: %+v", n)
	case <-time.After(500 * time.Millisecond):
	}

	waitForProcessExit(t, pid1)
	waitForProcessExit(t, pid2)
}

func TestStartUnknownUserFails(t *testing.T) {
	l := New(nil, noNamespace, func(SessionID, int, int) {})
	if _, err := l.Start(StartParams{RunAsUser: "no-such-user-xyz123", Command: "true"}); err == nil {
		t.Fatal("expected error for unknown user")
	}
}

func TestStartEmptyCommandFails(t *testing.T) {
	username := currentUsername(t)
	l := New(nil, noNamespace, func(SessionID, int, int) {})
	if _, err := l.Start(StartParams{RunAsUser: username, Command: ""}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestStartUnresolvableNamespaceFails(t *testing.T) {
	username := currentUsername(t)
	l := New(nil, noNamespace, func(SessionID, int, int) {})
	if _, err := l.Start(StartParams{RunAsUser: username, Command: "true", TunNetns: "ue1"}); err == nil {
		t.Fatal("expected error for unresolvable namespace")
	}
}

func TestSplitCommand(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"true", []string{"true"}},
		{"sleep 5", []string{"sleep", "5"}},
		{"  a   b  c ", []string{"a", "b", "c"}},
		{"", nil},
	}
	for _, c := range cases {
		got := splitCommand(c.in)
		if len(got) != len(c.want) {
			t.Fatalf("splitCommand(%q) = %v, want %v", c.in, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("splitCommand(%q) = %v, want %v", c.in, got, c.want)
			}
		}
	}
}

// waitForProcessExit polls for a killed process to actually leave the
// process table, using signal 0 as a liveness probe.
func waitForProcessExit(t *testing.T, pid int) {
	t.Helper()
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("pid %d still alive after kill", pid)
}
