/*
Package supervisor launches a backend sidecar process, discovers the network port it bound, and guarantees the process is killed at most once no matter how the host shuts down.

The backend reports its port through a handshake on stdout: it prints a single line of the form

	BACKEND_PORT:<port>

where <port> is a base-10 unsigned 16-bit integer (whitespace around the number is ignored). Every other stdout line, and every stderr line, is treated as opaque log output and forwarded to the supervisor's logger. A malformed announcement line is never an error; it degrades to a log line.

The supervisor does not wait for the handshake: Start returns as soon as the process is spawned. Callers learn the port by polling Port, by receiving from Ready, or by registering a ready handler.

Exactly one process is managed at a time. Restart policies, multi-process supervision, and structured RPC to the backend are out of scope.
*/
package supervisor
