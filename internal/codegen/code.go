package codegen

import (
	"fmt"
	"strings"
)

// Code accumulates indented source lines.
type Code struct {
	builder strings.Builder
	indent  int
}

// Line writes one formatted line at the current indentation.
func (c *Code) Line(format string, args ...any) {
	c.builder.WriteString(strings.Repeat("    ", c.indent))
	fmt.Fprintf(&c.builder, format, args...)
	c.builder.WriteByte('\n')
}

// Blank writes an empty line.
func (c *Code) Blank() {
	c.builder.WriteByte('\n')
}

// Open writes a line ending in an opening brace and indents.
func (c *Code) Open(format string, args ...any) {
	c.Line(format+" {", args...)
	c.indent++
}

// Close dedents and writes a closing brace.
func (c *Code) Close() {
	c.indent = max(c.indent-1, 0)
	c.Line("}")
}

// Block writes header { body }.
func (c *Code) Block(body func(), format string, args ...any) {
	c.Open(format, args...)
	body()
	c.Close()
}

func (c *Code) String() string {
	return c.builder.String()
}
