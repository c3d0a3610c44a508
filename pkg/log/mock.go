package log

import "sync"

// TestLogger is a Logger implementation that records entries for assertions in tests.
type TestLogger struct {
	mu      sync.Mutex
	level   Level
	fields  []Field
	Entries []Entry
}

// NewTestLogger creates a logger that captures entries instead of writing them.
func NewTestLogger() *TestLogger {
	return &TestLogger{level: DebugLevel}
}

func (l *TestLogger) record(level Level, msg string, fields []Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Entries = append(l.Entries, Entry{
		Level:   level,
		Message: msg,
		Fields:  append(append([]Field{}, l.fields...), fields...),
	})
}

func (l *TestLogger) Debug(msg string, fields ...Field) { l.record(DebugLevel, msg, fields) }
func (l *TestLogger) Info(msg string, fields ...Field)  { l.record(InfoLevel, msg, fields) }
func (l *TestLogger) Warn(msg string, fields ...Field)  { l.record(WarnLevel, msg, fields) }
func (l *TestLogger) Error(msg string, fields ...Field) { l.record(ErrorLevel, msg, fields) }
func (l *TestLogger) Fatal(msg string, fields ...Field) { l.record(FatalLevel, msg, fields) }

func (l *TestLogger) With(fields ...Field) Logger {
	// Child loggers record into the parent so assertions see every entry.
	return &testChild{root: l, fields: append(append([]Field{}, l.fields...), fields...)}
}

func (l *TestLogger) WithComponent(component string) Logger {
	return l.With(Component(component))
}

func (l *TestLogger) SetLevel(level Level) { l.level = level }
func (l *TestLogger) GetLevel() Level      { return l.level }

type testChild struct {
	root   *TestLogger
	fields []Field
}

func (c *testChild) record(level Level, msg string, fields []Field) {
	c.root.record(level, msg, append(append([]Field{}, c.fields...), fields...))
}

func (c *testChild) Debug(msg string, fields ...Field) { c.record(DebugLevel, msg, fields) }
func (c *testChild) Info(msg string, fields ...Field)  { c.record(InfoLevel, msg, fields) }
func (c *testChild) Warn(msg string, fields ...Field)  { c.record(WarnLevel, msg, fields) }
func (c *testChild) Error(msg string, fields ...Field) { c.record(ErrorLevel, msg, fields) }
func (c *testChild) Fatal(msg string, fields ...Field) { c.record(FatalLevel, msg, fields) }

func (c *testChild) With(fields ...Field) Logger {
	return &testChild{root: c.root, fields: append(append([]Field{}, c.fields...), fields...)}
}

func (c *testChild) WithComponent(component string) Logger { return c.With(Component(component)) }
func (c *testChild) SetLevel(level Level)                  { c.root.SetLevel(level) }
func (c *testChild) GetLevel() Level                       { return c.root.GetLevel() }

// Messages returns the recorded messages in order.
func (l *TestLogger) Messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := make([]string, 0, len(l.Entries))
	for _, e := range l.Entries {
		msgs = append(msgs, e.Message)
	}
	return msgs
}
