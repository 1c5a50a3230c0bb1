package relay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PlebeianApp/market-sub007/internal/domain"
	"github.com/PlebeianApp/market-sub007/internal/store"
)

func TestDecodeEventFrame(t *testing.T) {
	raw := `["EVENT","sub-1",{"id":"abc","pubkey":"pk","kind":30501,"created_at":42,` +
		`"tags":[["e","c1"],["status","confirmed"],["item","prod",  "3"]],"content":"","sig":"s"}]`

	frame, err := decodeFrame([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, frameEvent, frame.kind)
	assert.Equal(t, "sub-1", frame.subID)
	require.NotNil(t, frame.event)

	m := *frame.event
	assert.Equal(t, "abc", m.ID)
	assert.Equal(t, domain.KindStatusUpdate, m.Kind)
	assert.Equal(t, int64(42), m.CreatedAt)
	require.Len(t, m.Tags, 3)
	assert.Equal(t, domain.Tag{Key: "e", Value: "c1"}, m.Tags[0])
	assert.Equal(t, domain.Tag{Key: "item", Value: "prod", Rest: []string{"3"}}, m.Tags[2])
}

func TestDecodeEventFrameSkipsEmptyTags(t *testing.T) {
	raw := `["EVENT","s",{"id":"abc","kind":1,"tags":[[],["ok","v"],[""]]}]`
	frame, err := decodeFrame([]byte(raw))
	require.NoError(t, err)
	require.Len(t, frame.event.Tags, 1)
	assert.Equal(t, "ok", frame.event.Tags[0].Key)
}

func TestDecodeEOSEAndOK(t *testing.T) {
	frame, err := decodeFrame([]byte(`["EOSE","sub-9"]`))
	require.NoError(t, err)
	assert.Equal(t, frameEOSE, frame.kind)
	assert.Equal(t, "sub-9", frame.subID)

	frame, err = decodeFrame([]byte(`["OK","evt-1",false,"pow: too low"]`))
	require.NoError(t, err)
	assert.Equal(t, frameOK, frame.kind)
	assert.Equal(t, "evt-1", frame.eventID)
	assert.False(t, frame.ok)
	assert.Equal(t, "pow: too low", frame.reason)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, raw := range []string{
		`{}`,
		`[]`,
		`["NOTICE","hi"]`,
		`["EVENT","s"]`,
		`["EVENT","s",{"pubkey":"nope"}]`, // missing id
		`not json`,
	} {
		_, err := decodeFrame([]byte(raw))
		assert.Error(t, err, "frame %s", raw)
	}
}

func TestEncodeReqCarriesFilter(t *testing.T) {
	f := store.Filter{
		Kinds: []domain.MessageKind{domain.KindPaymentReceipt},
		Tags:  map[string][]string{domain.TagRecipient: {"sellerpk"}},
		Since: 1000,
		Limit: 5,
	}
	data, err := encodeReq("sub-1", f)
	require.NoError(t, err)

	var parts []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &parts))
	require.Len(t, parts, 3)

	var wf map[string]any
	require.NoError(t, json.Unmarshal(parts[2], &wf))
	assert.Equal(t, float64(1000), wf["since"])
	assert.Equal(t, float64(5), wf["limit"])
	assert.Contains(t, wf, "#recipient")
}

func TestEventRoundTrip(t *testing.T) {
	m := domain.Message{
		ID:        "abc",
		Author:    "pk",
		Kind:      domain.KindPaymentReceipt,
		CreatedAt: 7,
		Tags: []domain.Tag{
			{Key: "e", Value: "c1"},
			{Key: "amount", Value: "9000", Rest: []string{"sats"}},
		},
		Content: "cipher",
		Sig:     "sig",
	}
	data, err := encodeEvent(m)
	require.NoError(t, err)

	var parts []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &parts))
	var we wireEvent
	require.NoError(t, json.Unmarshal(parts[1], &we))

	back, err := we.toMessage()
	require.NoError(t, err)
	assert.Equal(t, m, back)
}
