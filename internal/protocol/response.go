package protocol

import (
	"bufio"
	"fmt"
)

// Built-in action directives.
const (
	Dunno = "DUNNO"
	OK    = "OK"
)

// Reject formats a REJECT directive, with optional explanatory text.
func Reject(text string) string {
	if text == "" {
		return "REJECT"
	}
	return "REJECT " + text
}

// DeferIfPermit formats a DEFER_IF_PERMIT directive.
func DeferIfPermit(text string) string {
	return "DEFER_IF_PERMIT " + text
}

// Prepend formats a PREPEND directive that asks Postfix to add a header
// line to the message.
func Prepend(header string) string {
	return "PREPEND " + header
}

// Format renders a directive as a complete Postfix response:
// "action=<directive>\n\n".
func Format(action string) string {
	return fmt.Sprintf("action=%s\n\n", action)
}

// WriteAction writes a formatted response and flushes w.
func WriteAction(w *bufio.Writer, action string) error {
	if _, err := w.WriteString(Format(action)); err != nil {
		return err
	}
	return w.Flush()
}
