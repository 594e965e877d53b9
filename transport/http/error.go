package http

import (
	"net/http"

	"github.com/autom8ter/syncq/errors"
)

// Error writes err as a json error response. Coded errors keep their code as the status.
func Error(w http.ResponseWriter, err error) {
	e := errors.Extract(err)
	status := http.StatusInternalServerError
	if cde := int(e.Code); cde >= 400 && cde < 600 {
		status = cde
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(e.Error()))
}
