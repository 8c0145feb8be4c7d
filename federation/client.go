package federation

import (
	"context"
	"crypto"
	"net/http"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/go-fed/httpsig"
	qcrypto "github.com/quillpub/quill/internal/crypto"
	"github.com/quillpub/quill/models"
)

// Client fetches remote federation resources, signing each request with
// a local user's key so peers that require signed fetches answer.
type Client struct {
	keyID      string
	privateKey crypto.PrivateKey
}

// NewClient returns a client that signs as the given local user.
func NewClient(signAs *models.User) (*Client, error) {
	_, priv, err := qcrypto.ParseRSAPrivateKey(signAs.PrivateKey)
	if err != nil {
		return nil, err
	}
	return &Client{
		keyID:      signAs.KeyID(),
		privateKey: priv,
	}, nil
}

// Fetch retrieves the resource at uri and decodes it into obj.
func (c *Client) Fetch(ctx context.Context, uri string, obj interface{}) error {
	return requests.URL(uri).
		Accept("application/activity+json, application/json").
		Transport(c).
		CheckStatus(http.StatusOK).
		ToJSON(obj).
		Fetch(ctx)
}

func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return nil, err
	}
	if err := signer.SignRequest(c.privateKey, c.keyID, req, nil); err != nil {
		return nil, err
	}
	return http.DefaultTransport.RoundTrip(req)
}
