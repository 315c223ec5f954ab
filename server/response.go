package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"partyroom/core/auth"
	"partyroom/logger"
	"partyroom/model"
	"partyroom/storage"
)

type envelope map[string]interface{}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("write json response failed", logger.ErrorField(err))
	}
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, envelope{"data": data})
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{"error": envelope{"message": msg}})
}

// writeError 把领域错误映射为 HTTP 状态码
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed",
			logger.ErrorField(err),
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.String("requestId", RequestIDFrom(r.Context())))
		writeMessage(w, status, "internal error")
		return
	}
	writeMessage(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrRoomNotFound), errors.Is(err, storage.ErrSourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNotHost), errors.Is(err, model.ErrNotOwner), errors.Is(err, model.ErrNotMember):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInvalidInput), errors.Is(err, model.ErrSongNotInPlaylist), errors.Is(err, storage.ErrBadSongID):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrTokenExpired):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
