package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestErrors_MessagesCarryContextTags(t *testing.T) {
	cases := []struct {
		err  error
		want []string
	}{
		{NonCritical("getWriter", "trades", "busyWriter"), []string{"table=trades", "reason=busyWriter"}},
		{EntryUnavailable("trades", ReasonBusyReader), []string{"table=trades", "reason=busyReader"}},
		{Critical("wal.append", "trades", 28, fmt.Errorf("no space left on device")), []string{"CRITICAL", "table=trades", "errno=28"}},
		{&TableReferenceOutOfDateError{Table: "trades", ExpectedVersion: 1, ObservedVersion: 2}, []string{"table=trades", "expectedVersion=1", "observedVersion=2"}},
		{&TableAlreadyExistsError{Name: "trades"}, []string{"trades"}},
		{&TableNotFoundError{Name: "trades"}, []string{"trades"}},
		{&TableReservedError{Name: "trades"}, []string{"trades"}},
		{&InvalidTableNameError{Name: "a/b"}, []string{"a/b"}},
		{&SpinTimeoutError{Resource: "Column Version", Timeout: "10ms"}, []string{"Column Version", "timeout"}},
		{&TableSuspendedError{Table: "trades"}, []string{"trades", "suspended"}},
		{&TxnAwaitTimeoutError{Table: "trades", WantTxn: 7, ObservedTxn: 3}, []string{"7", "3"}},
	}

	for _, c := range cases {
		msg := c.err.Error()
		if msg == "" {
			t.Errorf("%T: empty message", c.err)
			continue
		}
		for _, want := range c.want {
			if !strings.Contains(msg, want) {
				t.Errorf("%T: message %q missing %q", c.err, msg, want)
			}
		}
	}
}

func TestIsCritical(t *testing.T) {
	crit := Critical("cversion.write", "trades", 5, fmt.Errorf("io error"))
	if !IsCritical(crit) {
		t.Error("expected Critical errors to report IsCritical")
	}
	if IsCritical(NonCritical("getReader", "trades", "busyReader")) {
		t.Error("NonCritical must not report IsCritical")
	}
	if IsCritical(nil) {
		t.Error("nil must not report IsCritical")
	}
}

func TestCritical_UnwrapsToCause(t *testing.T) {
	cause := fmt.Errorf("disk gone")
	err := Critical("meta.save", "trades", 0, cause)
	c, ok := err.(*CriticalError)
	if !ok {
		t.Fatalf("expected a *CriticalError, got %T", err)
	}
	if c.Errno != 0 || c.Table != "trades" {
		t.Errorf("unexpected fields: %+v", c)
	}
	if !strings.Contains(c.Unwrap().Error(), "disk gone") {
		t.Errorf("expected the cause to survive wrapping, got %q", c.Unwrap())
	}
}
