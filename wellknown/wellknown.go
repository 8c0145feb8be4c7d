// Package wellknown serves the discovery documents other servers use
// to find us: host-meta for server-level endpoints and webfinger for
// per-user ones. Both advertise the dialback verification endpoint
// alongside the usual profile links.
package wellknown

import (
	"errors"
	"net/http"

	"github.com/quillpub/quill/internal/httpx"
	"github.com/quillpub/quill/internal/to"
	"github.com/quillpub/quill/internal/webfinger"
	"github.com/quillpub/quill/models"
	"gorm.io/gorm"
)

// HostMeta serves /.well-known/host-meta.json.
func HostMeta(env *models.Env, w http.ResponseWriter, r *http.Request) error {
	base := "https://" + r.Host
	return to.JSON(w, webfinger.JRD{
		Links: []webfinger.Link{
			{
				Rel:      "lrdd",
				Type:     "application/jrd+json",
				Template: base + "/.well-known/webfinger?resource={uri}",
			},
			{
				Rel:  "dialback",
				Href: base + "/api/dialback",
			},
		},
	})
}

// Webfinger serves /.well-known/webfinger.
func Webfinger(env *models.Env, w http.ResponseWriter, r *http.Request) error {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		return httpx.Error(http.StatusBadRequest, errors.New("resource query parameter is required"))
	}
	acct, err := webfinger.Parse(resource)
	if err != nil {
		return httpx.Error(http.StatusBadRequest, err)
	}

	var user models.User
	err = env.DB.Where("name = ? AND domain = ?", acct.User, r.Host).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return httpx.Error(http.StatusNotFound, errors.New("no such user"))
		}
		return err
	}
	self := user.Acct()

	return to.JSON(w, webfinger.JRD{
		Subject: self.String(),
		Aliases: []string{self.ID()},
		Links: []webfinger.Link{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: self.ID(),
			},
			{
				Rel:  "http://webfinger.net/rel/profile-page",
				Type: "text/html",
				Href: self.ID(),
			},
			{
				Rel:  "dialback",
				Href: "https://" + r.Host + "/api/dialback",
			},
		},
	})
}
