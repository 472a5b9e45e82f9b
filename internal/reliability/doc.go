// Package reliability provides the pure delay policies used by the
// connection manager's bounded reconnect loop. Policies are functions of
// (attempt, configuration) only, so retry timing is unit-testable without
// real I/O.
package reliability
