// Package eventloop provides the single-goroutine cooperative executor the
// sync client runs on.
//
// Every state change in the client happens inside a task posted to a Loop:
//   - transport events (open, message, error, close)
//   - reconnect timers
//   - notification quiet-period timers
//
// Tasks run one at a time in FIFO order, so components confined to the loop
// need no locking. Timers created through the loop post their callback as a
// task; a timer stopped before that task runs never invokes its callback.
package eventloop
