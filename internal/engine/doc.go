// Package engine runs one execution attempt inside a freshly created sandbox.
// It races the program against its timeout, forcibly terminates programs that
// overrun, and tears the sandbox down on every exit path.
package engine
