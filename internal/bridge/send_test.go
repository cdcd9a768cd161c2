package bridge

import (
	"context"
	"fmt"
	"testing"
)

func TestSendEvalErrorMarksDeadline(t *testing.T) {
	res := sendEvalError(fmt.Errorf("eval send: %w", context.DeadlineExceeded))
	if !res.Timeout {
		t.Fatal("deadline error must be classified as a timeout")
	}
	if res.OK {
		t.Fatal("timeout result must not be OK")
	}
}

func TestSendEvalErrorOtherFailures(t *testing.T) {
	res := sendEvalError(fmt.Errorf("sendText callable not found"))
	if res.Timeout {
		t.Fatal("page-reported failures must not trigger the timeout retry")
	}
	if res.Error == "" {
		t.Fatal("error text must be preserved")
	}
}
