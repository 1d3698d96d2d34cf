package store

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velasquezlegal/timeledger/internal/tenant"
)

// fakePhysicalConn emulates one physical connection's session state so the
// bind/reset discipline can be checked without a database.
type fakePhysicalConn struct {
	session   map[string]string // emulated GUC state
	setCalls  []string          // GUC names in assignment order
	rawSQL    []string          // every statement issued
	failSet   map[string]error  // GUC name -> injected set_config failure
	failReset map[string]error  // GUC name -> injected RESET failure
	released  int
	discarded int
}

func newFakeConn() *fakePhysicalConn {
	return &fakePhysicalConn{
		session:   map[string]string{},
		failSet:   map[string]error{},
		failReset: map[string]error{},
	}
}

func (f *fakePhysicalConn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.rawSQL = append(f.rawSQL, sql)

	switch {
	case sql == "SELECT set_config($1, $2, false)":
		name, _ := args[0].(string)
		value, _ := args[1].(string)

		if err := f.failSet[name]; err != nil {
			return pgconn.CommandTag{}, err
		}

		f.setCalls = append(f.setCalls, name)
		f.session[name] = value

		return pgconn.NewCommandTag("SELECT 1"), nil

	case strings.HasPrefix(sql, "RESET "):
		name := strings.TrimPrefix(sql, "RESET ")

		if err := f.failReset[name]; err != nil {
			return pgconn.CommandTag{}, err
		}

		delete(f.session, name)

		return pgconn.NewCommandTag("RESET"), nil

	default:
		return pgconn.NewCommandTag(""), nil
	}
}

func (f *fakePhysicalConn) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakePhysicalConn) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func (f *fakePhysicalConn) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("not implemented")
}

func (f *fakePhysicalConn) Release() {
	f.released++
}

func (f *fakePhysicalConn) Discard(context.Context) {
	f.discarded++
}

func principalCtx(firm, user string, role tenant.Role) context.Context {
	return tenant.WithPrincipal(context.Background(), tenant.Principal{
		UserID: user,
		FirmID: firm,
		Role:   role,
	})
}

func TestCheckoutBindsSessionVariablesInOrder(t *testing.T) {
	fake := newFakeConn()

	conn, err := bindTenant(principalCtx("firm-a", "alice", tenant.RoleAttorney), fake)
	require.NoError(t, err)
	require.True(t, conn.bound)

	// Firm, then user, then role; all through parameterized set_config.
	assert.Equal(t, []string{gucFirmID, gucUserID, gucRole}, fake.setCalls)
	assert.Equal(t, "firm-a", fake.session[gucFirmID])
	assert.Equal(t, "alice", fake.session[gucUserID])
	assert.Equal(t, "attorney", fake.session[gucRole])
}

func TestCheckoutWithoutPrincipalIssuesNoStatements(t *testing.T) {
	fake := newFakeConn()

	conn, err := bindTenant(context.Background(), fake)
	require.NoError(t, err)
	require.False(t, conn.bound)
	assert.Empty(t, fake.rawSQL)

	// Close on an unbound handle releases without issuing resets.
	require.NoError(t, conn.Close(context.Background()))
	assert.Empty(t, fake.rawSQL)
	assert.Equal(t, 1, fake.released)
	assert.Zero(t, fake.discarded)
}

func TestCloseResetsSessionBeforeRelease(t *testing.T) {
	fake := newFakeConn()

	conn, err := bindTenant(principalCtx("firm-a", "alice", tenant.RoleAttorney), fake)
	require.NoError(t, err)

	require.NoError(t, conn.Close(context.Background()))

	// Post-close state matches pre-checkout default state.
	assert.Empty(t, fake.session)
	assert.Equal(t, 1, fake.released)
	assert.Zero(t, fake.discarded)
}

func TestCloseDiscardsConnectionWhenResetFails(t *testing.T) {
	fake := newFakeConn()
	fake.failReset[gucUserID] = errors.New("connection gone")

	conn, err := bindTenant(principalCtx("firm-a", "alice", tenant.RoleAttorney), fake)
	require.NoError(t, err)

	err = conn.Close(context.Background())
	require.ErrorIs(t, err, ErrTenantResetFailed)

	// Fail closed: a possibly-contaminated connection never reaches the pool.
	assert.Equal(t, 1, fake.discarded)
	assert.Zero(t, fake.released)
}

func TestCloseIsIdempotent(t *testing.T) {
	fake := newFakeConn()

	conn, err := bindTenant(principalCtx("firm-a", "alice", tenant.RoleAttorney), fake)
	require.NoError(t, err)

	require.NoError(t, conn.Close(context.Background()))
	statements := len(fake.rawSQL)

	require.NoError(t, conn.Close(context.Background()))
	require.NoError(t, conn.Close(context.Background()))

	assert.Equal(t, statements, len(fake.rawSQL), "second close must not re-run resets")
	assert.Equal(t, 1, fake.released)
	assert.Zero(t, fake.discarded)
}

func TestBindingFailureScrubsAndReleases(t *testing.T) {
	fake := newFakeConn()
	fake.failSet[gucUserID] = errors.New("variable rejected")

	conn, err := bindTenant(principalCtx("firm-a", "alice", tenant.RoleAttorney), fake)
	require.ErrorIs(t, err, ErrTenantBindingFailed)
	require.Nil(t, conn)

	// The half-bound firm id was stripped before the connection went back.
	assert.Empty(t, fake.session)
	assert.Equal(t, 1, fake.released)
	assert.Zero(t, fake.discarded)
}

func TestBindingFailureDiscardsWhenScrubFails(t *testing.T) {
	fake := newFakeConn()
	fake.failSet[gucUserID] = errors.New("variable rejected")
	fake.failReset[gucFirmID] = errors.New("connection gone")

	_, err := bindTenant(principalCtx("firm-a", "alice", tenant.RoleAttorney), fake)
	require.ErrorIs(t, err, ErrTenantBindingFailed)

	assert.Equal(t, 1, fake.discarded)
	assert.Zero(t, fake.released)
}

func TestReusedConnectionNeverMixesTenants(t *testing.T) {
	// Pool of size one: the same physical connection serves firm X, is
	// closed, then serves firm Y.
	fake := newFakeConn()

	connX, err := bindTenant(principalCtx("firm-x", "xavier", tenant.RoleAttorney), fake)
	require.NoError(t, err)
	require.NoError(t, connX.Close(context.Background()))

	connY, err := bindTenant(principalCtx("firm-y", "yolanda", tenant.RolePartner), fake)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		gucFirmID: "firm-y",
		gucUserID: "yolanda",
		gucRole:   "partner",
	}, fake.session, "session state must reflect only the current borrower")

	require.NoError(t, connY.Close(context.Background()))
	assert.Empty(t, fake.session)
}

func TestCloseResetsEvenAfterCancellation(t *testing.T) {
	fake := newFakeConn()

	conn, err := bindTenant(principalCtx("firm-a", "alice", tenant.RoleAttorney), fake)
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, conn.Close(cancelled))
	assert.Empty(t, fake.session)
	assert.Equal(t, 1, fake.released)
}
