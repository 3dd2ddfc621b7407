package pausestate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atp-project/atp/pkg/cache"
)

func pausedRecord(id string, pausedAt time.Time) *Record {
	return &Record{
		ExecutionID: id,
		ClientID:    "cli_abc",
		Source:      `atp.log("hi");`,
		Salt:        "salt",
		History: []CallbackRecord{
			{Sequence: 0, Kind: CallbackLLM, Payload: json.RawMessage(`{"prompt":"p"}`)},
		},
		Pending: &PendingCallback{
			Kind:    CallbackLLM,
			Payload: json.RawMessage(`{"prompt":"p"}`),
		},
		CreatedAt: pausedAt,
		PausedAt:  pausedAt,
	}
}

func TestStore_SaveGetDelete(t *testing.T) {
	store := NewStore(cache.NewMemory(), time.Hour, 2*time.Hour, nil)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, pausedRecord("exec-1", time.Now())))

	got, err := store.Get(ctx, "exec-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, "cli_abc", got.ClientID)
	require.Len(t, got.History, 1)
	assert.Equal(t, CallbackLLM, got.History[0].Kind)
	require.NotNil(t, got.Pending)

	require.NoError(t, store.Delete(ctx, "exec-1"))
	got, err = store.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_MissingRecord(t *testing.T) {
	store := NewStore(cache.NewMemory(), time.Hour, 2*time.Hour, nil)
	got, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_PauseWindowExpiry(t *testing.T) {
	store := NewStore(cache.NewMemory(), time.Hour, time.Hour, nil)
	ctx := context.Background()

	stale := pausedRecord("exec-stale", time.Now().Add(-2*time.Hour))
	err := store.Save(ctx, stale)
	assert.Error(t, err, "a record past its pause window must not be saved")

	// A record saved in time but read after the window is dropped on read.
	recent := pausedRecord("exec-2", time.Now().Add(-59*time.Minute))
	require.NoError(t, store.Save(ctx, recent))
	recent.PausedAt = time.Now().Add(-2 * time.Hour)
	data, err := json.Marshal(recent)
	require.NoError(t, err)

	backend := cache.NewMemory()
	require.NoError(t, backend.Set(ctx, "execution:exec-2", data, time.Hour))
	expiring := NewStore(backend, time.Hour, time.Hour, nil)
	got, err := expiring.Get(ctx, "exec-2")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, found, err := backend.Get(ctx, "execution:exec-2")
	require.NoError(t, err)
	assert.False(t, found, "expired record should be deleted")
}

// brokenBackend fails every operation, standing in for a lost Redis.
type brokenBackend struct{}

func (brokenBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("backend down")
}
func (brokenBackend) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("backend down")
}
func (brokenBackend) Delete(context.Context, string) error { return errors.New("backend down") }
func (brokenBackend) Has(context.Context, string) (bool, error) {
	return false, errors.New("backend down")
}
func (brokenBackend) Clear(context.Context, string) error { return errors.New("backend down") }
func (brokenBackend) Close() error                        { return nil }

func TestStore_BackendFailuresCounted(t *testing.T) {
	store := NewStore(brokenBackend{}, time.Hour, 2*time.Hour, nil)
	ctx := context.Background()

	before := testutil.ToFloat64(failuresTotal)

	err := store.Save(ctx, pausedRecord("exec-broken", time.Now()))
	require.Error(t, err)
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)

	_, err = store.Get(ctx, "exec-broken")
	require.Error(t, err)
	require.Error(t, store.Delete(ctx, "exec-broken"))

	assert.Equal(t, before+3, testutil.ToFloat64(failuresTotal))
}

func TestRecord_Fill(t *testing.T) {
	r := pausedRecord("exec-3", time.Now())
	require.NoError(t, r.Fill(json.RawMessage(`"answer"`)))

	assert.True(t, r.History[0].HasResult)
	assert.JSONEq(t, `"answer"`, string(r.History[0].Result))
	assert.Nil(t, r.Pending)
	assert.Equal(t, 1, r.NextSequence())

	assert.Error(t, r.Fill(json.RawMessage(`"again"`)), "a filled callback cannot be refilled")
	assert.Error(t, (&Record{}).Fill(json.RawMessage(`1`)))
}

func TestCallbackRecord_Fingerprint(t *testing.T) {
	a := CallbackRecord{Kind: CallbackTool, Operation: "custom.vault.getSensitive", Payload: json.RawMessage(`{"key":"k"}`)}
	b := CallbackRecord{Kind: CallbackTool, Operation: "custom.vault.getSensitive", Payload: json.RawMessage(`{"key":"k"}`)}
	c := CallbackRecord{Kind: CallbackTool, Operation: "custom.vault.getSensitive", Payload: json.RawMessage(`{"key":"other"}`)}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())

	// Kind and operation both participate.
	d := CallbackRecord{Kind: CallbackLLM, Operation: "custom.vault.getSensitive", Payload: json.RawMessage(`{"key":"k"}`)}
	assert.NotEqual(t, a.Fingerprint(), d.Fingerprint())
}
