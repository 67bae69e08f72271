package watchparty

import (
	"net/url"

	"github.com/google/uuid"
)

// LinkParam is the query parameter carrying the party id in a viewing URL.
const LinkParam = "partyId"

// WithParty returns the join link for partyID on the viewing URL raw.
func WithParty(raw string, partyID uuid.UUID) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(LinkParam, partyID.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// PartyFromURL extracts the party id from a join link.
func PartyFromURL(raw string) (uuid.UUID, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(u.Query().Get(LinkParam))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// WithoutParty strips the party id, returning the bare viewing URL. Unparseable
// input is returned unchanged.
func WithoutParty(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if !q.Has(LinkParam) {
		return raw
	}
	q.Del(LinkParam)
	u.RawQuery = q.Encode()
	return u.String()
}
