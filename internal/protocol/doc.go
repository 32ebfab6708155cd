// Package protocol defines the messages exchanged between the broker and the
// isolated worker and their wire framing: a 4-byte big-endian length prefix
// followed by a JSON payload. Requests flow broker→worker; progress and
// terminal messages flow worker→broker and are matched by request id alone.
package protocol
