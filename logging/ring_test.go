package logging

import (
	"fmt"
	"testing"
	"time"

	"go.viam.com/test"
	"go.uber.org/zap/zapcore"
)

func entryAt(level zapcore.Level, msg string) zapcore.Entry {
	return zapcore.Entry{Level: level, Time: time.Now(), LoggerName: "test", Message: msg}
}

func TestRingRetention(t *testing.T) {
	ra := NewRingAppender(4)
	for i := 0; i < 10; i++ {
		test.That(t, ra.Write(entryAt(zapcore.InfoLevel, fmt.Sprintf("msg-%d", i)), nil), test.ShouldBeNil)
	}

	recs := ra.Records(0, "")
	test.That(t, recs, test.ShouldHaveLength, 4)
	test.That(t, recs[0].Message, test.ShouldEqual, "msg-6")
	test.That(t, recs[3].Message, test.ShouldEqual, "msg-9")

	recs = ra.Records(2, "")
	test.That(t, recs, test.ShouldHaveLength, 2)
	test.That(t, recs[1].Message, test.ShouldEqual, "msg-9")
}

func TestRingLevelFilter(t *testing.T) {
	ra := NewRingAppender(16)
	test.That(t, ra.Write(entryAt(zapcore.InfoLevel, "fine"), nil), test.ShouldBeNil)
	test.That(t, ra.Write(entryAt(zapcore.WarnLevel, "careful"), nil), test.ShouldBeNil)
	test.That(t, ra.Write(entryAt(zapcore.ErrorLevel, "broken"), nil), test.ShouldBeNil)

	warns := ra.Records(0, "WARN")
	test.That(t, warns, test.ShouldHaveLength, 1)
	test.That(t, warns[0].Message, test.ShouldEqual, "careful")
	test.That(t, ra.Records(0, ""), test.ShouldHaveLength, 3)
}

func TestRingSubscribers(t *testing.T) {
	ra := NewRingAppender(16)
	ch := ra.Subscribe("client-1", 2)
	test.That(t, ra.SubscriberCount(), test.ShouldEqual, 1)

	test.That(t, ra.Write(entryAt(zapcore.InfoLevel, "one"), nil), test.ShouldBeNil)
	rec := <-ch
	test.That(t, rec.Message, test.ShouldEqual, "one")

	// fill the buffer past capacity; the slow client must be dropped without
	// blocking the writer
	for i := 0; i < 5; i++ {
		test.That(t, ra.Write(entryAt(zapcore.InfoLevel, "flood"), nil), test.ShouldBeNil)
	}
	test.That(t, ra.SubscriberCount(), test.ShouldEqual, 0)

	// drained then closed
	for range ch {
	}

	ra.Unsubscribe("client-1") // unknown id is fine
}

func TestRingCapturesFields(t *testing.T) {
	ra := NewRingAppender(8)
	logger := NewBlankLogger("pins")
	logger.AddAppender(ra)

	logger.Infow("pin toggled", "pin", 17, "state", true)

	recs := ra.Records(0, "")
	test.That(t, recs, test.ShouldHaveLength, 1)
	test.That(t, recs[0].Logger, test.ShouldEqual, "pins")
	test.That(t, recs[0].Fields["pin"], test.ShouldEqual, 17)
	test.That(t, recs[0].Fields["state"], test.ShouldEqual, true)
}
