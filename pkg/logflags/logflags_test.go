package logflags

import (
	"bytes"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

type bufferWriter struct {
	bytes.Buffer
}

func (bw *bufferWriter) Close() error {
	return nil
}

func TestMakeLogger_usingLoggerFactory(t *testing.T) {
	if loggerFactory != nil {
		t.Fatalf("expected loggerFactory to be nil; but was <%v>", loggerFactory)
	}
	defer func() {
		loggerFactory = nil
	}()
	logOut = &bufferWriter{}
	defer func() {
		logOut = nil
	}()

	expectedLogger := &logrusLogger{}
	SetLoggerFactory(func(flag bool, fields Fields, out io.Writer) Logger {
		if !flag {
			t.Fatalf("expected flag to be true")
		}
		if len(fields) != 1 || fields["foo"] != "bar" {
			t.Fatalf("expected fields to be {'foo':'bar'}; but was <%v>", fields)
		}
		if out != logOut {
			t.Fatalf("expected out to be <%v>; but was <%v>", logOut, out)
		}
		return expectedLogger
	})

	actual := makeLogger(true, Fields{"foo": "bar"})
	if actual != expectedLogger {
		t.Fatalf("expected actual to <%v>; but was <%v>", expectedLogger, actual)
	}
}

func TestMakeLogger_disabledLayerDiscards(t *testing.T) {
	buf := &bufferWriter{}
	logOut = buf
	defer func() {
		logOut = nil
	}()

	l := makeLogger(false, Fields{"layer": "proc"})
	l.Infof("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("disabled logger wrote %q", buf.String())
	}
	entry := l.(*logrusLogger)
	if entry.Logger.Level != logrus.PanicLevel {
		t.Fatalf("expected level %v got %v", logrus.PanicLevel, entry.Logger.Level)
	}

	l = makeLogger(true, Fields{"layer": "proc"})
	l.WithField("pid", 12).Infof("stopped")
	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("layer=proc")) || !bytes.Contains([]byte(out), []byte("pid=12")) {
		t.Fatalf("missing fields in %q", out)
	}
}

func TestSetup(t *testing.T) {
	defer func() {
		debugger, procCtl, fnCall, events, vm = false, false, false, false, false
	}()
	if err := Setup(false, "proc", ""); err != errLogstrWithoutLog {
		t.Fatalf("expected errLogstrWithoutLog, got %v", err)
	}
	if err := Setup(true, "proc,fncall", ""); err != nil {
		t.Fatal(err)
	}
	if !Proc() || !FnCall() || Debugger() || VM() || Events() {
		t.Fatalf("wrong layers enabled: proc=%v fncall=%v debugger=%v vm=%v events=%v", Proc(), FnCall(), Debugger(), VM(), Events())
	}
}
