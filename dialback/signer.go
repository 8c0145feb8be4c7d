package dialback

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/quillpub/quill/models"
	"gorm.io/gorm"
)

// A Signer stamps outbound requests with dialback credentials and
// records each issued token so our confirmation endpoint can later
// vouch for it. It implements http.RoundTripper so it can be used as a
// transport, in the manner of a signing HTTP client.
type Signer struct {
	db *gorm.DB
	// Host or Webfinger is the identity requests are signed as.
	Host      string
	Webfinger string
}

// NewHostSigner returns a Signer that signs as the given host.
func NewHostSigner(db *gorm.DB, host string) *Signer {
	return &Signer{db: db, Host: host}
}

// NewUserSigner returns a Signer that signs as the given webfinger
// address.
func NewUserSigner(db *gorm.DB, webfinger string) *Signer {
	return &Signer{db: db, Webfinger: webfinger}
}

func (s *Signer) identity() string {
	if s.Host != "" {
		return s.Host
	}
	return s.Webfinger
}

// Sign adds Date and Authorization headers to the request and records
// the token. The record is what makes the token confirmable: our
// dialback endpoint only vouches for tuples found in the table.
func (s *Signer) Sign(req *http.Request) error {
	now := time.Now().UTC()
	token := uuid.New().String()

	record := &models.DialbackRequest{
		Endpoint: req.URL.String(),
		Identity: s.identity(),
		Token:    token,
		Date:     now.Truncate(time.Second).UnixMilli(),
	}
	if err := s.db.Create(record).Error; err != nil {
		return err
	}

	auth := &Authorization{Token: token, Host: s.Host, Webfinger: s.Webfinger}
	req.Header.Set("Date", now.Format(http.TimeFormat))
	req.Header.Set("Authorization", auth.String())
	return nil
}

func (s *Signer) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := s.Sign(req); err != nil {
		return nil, err
	}
	return http.DefaultTransport.RoundTrip(req)
}
