package dialback

import (
	"errors"
	"net/http"
	"time"

	"github.com/quillpub/quill/internal/httpx"
	"github.com/quillpub/quill/models"
	"gorm.io/gorm"
)

// Confirm is the endpoint remote servers call to check that a token was
// really issued by us. It answers 2xx only for tuples recorded by our
// Signer within the confirmation window; everything else gets a 404, so
// nobody can use us as an oracle for requests we never made.
func Confirm(env *models.Env, w http.ResponseWriter, r *http.Request) error {
	var params struct {
		Token     string `schema:"token"`
		Host      string `schema:"host"`
		Webfinger string `schema:"webfinger"`
		URL       string `schema:"url"`
		Date      string `schema:"date"`
	}
	if err := httpx.Params(r, &params); err != nil {
		return err
	}
	if params.Token == "" || params.URL == "" || params.Date == "" {
		return httpx.Error(http.StatusBadRequest, errors.New("missing token, url or date"))
	}
	identity := params.Host
	if identity == "" {
		identity = params.Webfinger
	}
	if identity == "" {
		return httpx.Error(http.StatusBadRequest, errors.New("missing host or webfinger"))
	}
	date, err := http.ParseTime(params.Date)
	if err != nil {
		return httpx.Error(http.StatusBadRequest, err)
	}
	if d := time.Since(date); d > models.DialbackRequestWindow || d < -models.DialbackRequestWindow {
		return httpx.Error(http.StatusNotFound, errors.New("dialback request expired"))
	}

	var record models.DialbackRequest
	err = env.DB.Where("endpoint = ? AND identity = ? AND token = ? AND date = ?",
		params.URL, identity, params.Token, date.UnixMilli()).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return httpx.Error(http.StatusNotFound, errors.New("no such dialback request"))
	}
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
