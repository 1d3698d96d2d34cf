package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velasquezlegal/timeledger/internal/tenant"
)

// Session-scoped variables read by the row-level security policies in
// schema.sql. They are bound on checkout and reset before the physical
// connection ever returns to the pool.
const (
	gucFirmID = "app.current_firm_id"
	gucUserID = "app.current_user_id"
	gucRole   = "app.current_role"
)

// sessionGUCs lists the variables in binding order: firm, user, role.
var sessionGUCs = [3]string{gucFirmID, gucUserID, gucRole}

var (
	// ErrTenantBindingFailed means session-variable injection failed during
	// checkout. The physical connection was handed back (or discarded if it
	// could not be cleaned) and the caller should surface a server error.
	ErrTenantBindingFailed = errors.New("tenant session binding failed")

	// ErrTenantResetFailed means session-variable reset failed during close.
	// The physical connection was discarded rather than pooled in an
	// indeterminate state, so pool capacity shrank by one.
	ErrTenantResetFailed = errors.New("tenant session reset failed")
)

// pooledConn abstracts the borrowed physical connection so the bind/reset
// discipline can be exercised without a live pool.
type pooledConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)

	// Release returns the physical connection to the pool for reuse.
	Release()
	// Discard removes the physical connection from the pool and closes it.
	Discard(ctx context.Context)
}

// pgxPooled adapts *pgxpool.Conn to pooledConn.
type pgxPooled struct {
	conn *pgxpool.Conn
}

func (p *pgxPooled) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return p.conn.Exec(ctx, sql, args...)
}

func (p *pgxPooled) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.conn.Query(ctx, sql, args...)
}

func (p *pgxPooled) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.conn.QueryRow(ctx, sql, args...)
}

func (p *pgxPooled) Begin(ctx context.Context) (pgx.Tx, error) {
	return p.conn.Begin(ctx)
}

func (p *pgxPooled) Release() {
	p.conn.Release()
}

func (p *pgxPooled) Discard(ctx context.Context) {
	// Hijack detaches the connection from the pool; closing it then
	// destroys the physical connection instead of recycling it.
	raw := p.conn.Hijack()
	_ = raw.Close(ctx)
}

// Conn is a borrowed connection handle. Between Checkout and Close it is
// owned exclusively by the caller; it is not safe for concurrent use.
//
// When a principal was bound at checkout, Close strips the session variables
// before the physical connection can serve anyone else. That reset is the
// invariant keeping one firm's session state out of the next borrower's view.
type Conn struct {
	raw    pooledConn
	bound  bool
	closed bool
}

// Exec runs a statement on the borrowed connection.
func (c *Conn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.raw.Exec(ctx, sql, args...)
}

// Query runs a query on the borrowed connection.
func (c *Conn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.raw.Query(ctx, sql, args...)
}

// QueryRow runs a single-row query on the borrowed connection.
func (c *Conn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.raw.QueryRow(ctx, sql, args...)
}

// Begin opens a transaction on the borrowed connection.
func (c *Conn) Begin(ctx context.Context) (pgx.Tx, error) {
	return c.raw.Begin(ctx)
}

// Close resets any bound session variables and returns the physical
// connection to the pool. If the reset fails the connection is discarded
// entirely rather than pooled with stale tenant state, and the failure is
// reported as ErrTenantResetFailed. Close is idempotent.
func (c *Conn) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true

	if !c.bound {
		c.raw.Release()
		return nil
	}

	// The reset must run even when the request that owned this handle was
	// already cancelled; otherwise a client disconnect would poison the pool.
	ctx = context.WithoutCancel(ctx)

	if err := resetSession(ctx, c.raw); err != nil {
		c.raw.Discard(ctx)
		return fmt.Errorf("%w: %w", ErrTenantResetFailed, err)
	}

	c.raw.Release()

	return nil
}

// Checkout borrows a connection from the pool. Acquisition may block until a
// connection frees up; callers bound the wait through ctx.
//
// When the context carries a principal, the three session variables are bound
// in order before the handle is returned. Without a principal the connection
// comes back untouched, which is the path system and background work uses.
func (s *Store) Checkout(ctx context.Context) (*Conn, error) {
	pc, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	return bindTenant(ctx, &pgxPooled{conn: pc})
}

// bindTenant applies the checkout-time session binding to a fresh borrow.
func bindTenant(ctx context.Context, raw pooledConn) (*Conn, error) {
	principal, ok := tenant.FromContext(ctx)
	if !ok {
		return &Conn{raw: raw}, nil
	}

	assignments := [3]struct {
		name  string
		value string
	}{
		{gucFirmID, principal.FirmID},
		{gucUserID, principal.UserID},
		{gucRole, principal.Role.String()},
	}

	for _, assignment := range assignments {
		// set_config is parameterized and returns no business-visible rows,
		// so the binding can neither be injected into nor mistaken for a
		// query result.
		_, err := raw.Exec(ctx, "SELECT set_config($1, $2, false)", assignment.name, assignment.value)
		if err == nil {
			continue
		}

		// Do not leak the borrow: scrub whatever was already bound and hand
		// the connection back, discarding it if even the scrub fails.
		if resetErr := resetSession(context.WithoutCancel(ctx), raw); resetErr != nil {
			raw.Discard(context.WithoutCancel(ctx))
		} else {
			raw.Release()
		}

		return nil, fmt.Errorf("%w: %s: %w", ErrTenantBindingFailed, assignment.name, err)
	}

	return &Conn{raw: raw, bound: true}, nil
}

// resetSession restores the three session variables to their defaults.
// GUC names are package constants, never caller input, so the identifier
// concatenation here cannot be injected into.
func resetSession(ctx context.Context, raw pooledConn) error {
	for _, guc := range sessionGUCs {
		if _, err := raw.Exec(ctx, "RESET "+guc); err != nil {
			return fmt.Errorf("reset %s: %w", guc, err)
		}
	}

	return nil
}
