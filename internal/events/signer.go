package events

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/PlebeianApp/market-sub007/internal/domain"
)

var ErrNoSigningKey = errors.New("events: signer has no key material")

// LocalSigner derives the message id by content addressing and authenticates
// it with an HMAC over the canonical form. It serves single-operator
// deployments where the key lives in the service environment; marketplaces
// holding user keys plug in an external Signer instead.
type LocalSigner struct {
	pubkey string
	secret []byte
}

func NewLocalSigner(pubkey string, secret []byte) (*LocalSigner, error) {
	if pubkey == "" || len(secret) == 0 {
		return nil, ErrNoSigningKey
	}
	return &LocalSigner{pubkey: pubkey, secret: secret}, nil
}

func (s *LocalSigner) PublicKey() string { return s.pubkey }

func (s *LocalSigner) Sign(_ context.Context, draft domain.Message) (domain.Message, error) {
	draft.Author = s.pubkey

	canonical, err := canonicalForm(draft)
	if err != nil {
		return domain.Message{}, fmt.Errorf("events: failed to canonicalize draft: %w", err)
	}
	sum := sha256.Sum256(canonical)
	draft.ID = hex.EncodeToString(sum[:])

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(sum[:])
	draft.Sig = hex.EncodeToString(mac.Sum(nil))
	return draft, nil
}

// canonicalForm serializes the signable fields in a fixed order so the id is
// stable across processes.
func canonicalForm(m domain.Message) ([]byte, error) {
	tags := make([][]string, 0, len(m.Tags))
	for _, t := range m.Tags {
		tags = append(tags, append([]string{t.Key, t.Value}, t.Rest...))
	}
	return json.Marshal([]any{0, m.Author, m.CreatedAt, int(m.Kind), tags, m.Content})
}
