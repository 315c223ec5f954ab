package server

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"partyroom/config"
)

// SourceResolver 歌曲播放地址解析，*storage.MinioResolver 实现了它
type SourceResolver interface {
	SourceURL(ctx context.Context, songID string) (string, error)
}

// SourceHandler GET /api/songs/{id}/source 返回歌曲的预签名地址
func SourceHandler(resolver SourceResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if resolver == nil {
			writeMessage(w, http.StatusServiceUnavailable, "media storage is not configured")
			return
		}
		url, err := resolver.SourceURL(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, map[string]string{"url": url})
	}
}

// PolicyHandler GET /api/sync/policy，返回当前同步参数
func PolicyHandler(current func() config.SyncPolicy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, current().Wire())
	}
}
