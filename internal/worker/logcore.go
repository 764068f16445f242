package worker

import (
	"github.com/ChuLiYu/procpool/internal/control"
	"go.uber.org/zap/zapcore"
)

// forwardCore is a zap core that ships every entry to the supervisor as a
// control.Log message.
type forwardCore struct {
	zapcore.LevelEnabler
	ch     *control.Channel
	fields []zapcore.Field
}

// NewForwardCore returns a core forwarding entries at or above level over ch.
func NewForwardCore(ch *control.Channel, level zapcore.LevelEnabler) zapcore.Core {
	return &forwardCore{LevelEnabler: level, ch: ch}
}

func (c *forwardCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = make([]zapcore.Field, 0, len(c.fields)+len(fields))
	clone.fields = append(clone.fields, c.fields...)
	clone.fields = append(clone.fields, fields...)
	return &clone
}

func (c *forwardCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *forwardCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	msg := control.Log{
		Time:    ent.Time,
		Level:   ent.Level.String(),
		Logger:  ent.LoggerName,
		Message: ent.Message,
	}
	if len(enc.Fields) > 0 {
		msg.Fields = enc.Fields
	}
	// a closed channel means the supervisor is gone; nobody is left to tell
	_ = c.ch.Send(msg)
	return nil
}

func (c *forwardCore) Sync() error {
	return nil
}
