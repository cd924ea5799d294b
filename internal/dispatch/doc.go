// Package dispatch pushes upload-interval configuration to meters and
// tracks the outcome of every command.
//
// Two triggers start a configuration pass: a meter seen for the first
// time, and a change to the external configuration file (a meter not yet
// configured today counts as changed). A pass sends two commands, the
// seconds interval and then the minutes interval, each carrying a fresh
// 32-character correlation nonce; the second command waits until the
// first is acknowledged or times out.
//
// Acknowledgements arrive on per-meter response topics and are matched
// by nonce. A dispatch with no matching ack within the deadline raises
// an alert-severity log entry and is not retried until the next trigger.
package dispatch
