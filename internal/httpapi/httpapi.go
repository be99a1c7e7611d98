// Package httpapi exposes a fingerprint index over HTTP, grounded on
// acoustid-api's index/server.go (bare http.ServeMux, JSON
// request/response helpers, one handler type per resource), adapted
// from the teacher's raw DB.Add calls to go through an explicit
// fpindex.Session so every mutation is followed by a commit.
package httpapi

import (
	"encoding/json"
	"io/ioutil"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/acoustid/fpindex"
)

// Handler serves the index over HTTP:
//   POST   /docs                 insert documents and commit
//   GET    /search?hashes=1,2,3  ranked search
//   GET    /attributes/{name}    read an attribute
//   PUT    /attributes/{name}    write an attribute
type Handler struct {
	idx *fpindex.Index
	mux *http.ServeMux
}

// New returns a Handler backed by idx.
func New(idx *fpindex.Index) *Handler {
	h := &Handler{idx: idx, mux: http.NewServeMux()}
	h.mux.HandleFunc("/docs", h.serveDocs)
	h.mux.HandleFunc("/search", h.serveSearch)
	h.mux.HandleFunc("/attributes/", h.serveAttribute)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type docRequest struct {
	ID     uint32   `json:"id"`
	Hashes []uint32 `json:"hashes"`
}

type docsRequest struct {
	Docs []docRequest `json:"docs"`
}

func (h *Handler) serveDocs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "only POST is allowed")
		return
	}

	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "error reading request body")
		return
	}
	r.Body.Close()

	var req docsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Docs) == 0 {
		writeError(w, http.StatusBadRequest, "no docs")
		return
	}
	for _, doc := range req.Docs {
		if len(doc.Hashes) == 0 {
			writeError(w, http.StatusBadRequest, "missing hashes")
			return
		}
	}

	session, err := h.idx.BeginSession()
	if err != nil {
		writeIndexError(w, err)
		return
	}
	for _, doc := range req.Docs {
		if err := session.Insert(doc.ID, doc.Hashes); err != nil {
			session.Rollback()
			writeIndexError(w, err)
			return
		}
	}
	if err := session.Commit(); err != nil {
		writeIndexError(w, err)
		return
	}

	writeResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) serveSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "only GET is allowed")
		return
	}

	hashes, err := parseHashesParam(r.URL.Query().Get("hashes"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := h.idx.BeginSession()
	if err != nil {
		writeIndexError(w, err)
		return
	}
	defer session.Rollback()

	if v := r.URL.Query().Get("max_results"); v != "" {
		if err := session.SetAttribute(fpindex.AttrMaxResults, v); err != nil {
			writeIndexError(w, err)
			return
		}
	}
	if v := r.URL.Query().Get("top_score_percent"); v != "" {
		if err := session.SetAttribute(fpindex.AttrTopScorePercent, v); err != nil {
			writeIndexError(w, err)
			return
		}
	}

	hits, err := session.Search(hashes)
	if err != nil {
		writeIndexError(w, err)
		return
	}

	type hitResponse struct {
		DocID uint32 `json:"doc_id"`
		Score int    `json:"score"`
	}
	response := make([]hitResponse, len(hits))
	for i, hit := range hits {
		response[i] = hitResponse{DocID: hit.DocID, Score: hit.Score}
	}
	writeResponse(w, http.StatusOK, response)
}

func (h *Handler) serveAttribute(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/attributes/")
	if name == "" {
		writeError(w, http.StatusBadRequest, "missing attribute name")
		return
	}

	session, err := h.idx.BeginSession()
	if err != nil {
		writeIndexError(w, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		defer session.Rollback()
		value, err := session.GetAttribute(name)
		if err != nil {
			writeIndexError(w, err)
			return
		}
		writeResponse(w, http.StatusOK, map[string]string{"value": value})
	case http.MethodPut:
		body, err := ioutil.ReadAll(r.Body)
		if err != nil {
			session.Rollback()
			writeError(w, http.StatusInternalServerError, "error reading request body")
			return
		}
		r.Body.Close()
		var req struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			session.Rollback()
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := session.SetAttribute(name, req.Value); err != nil {
			session.Rollback()
			writeIndexError(w, err)
			return
		}
		if err := session.Commit(); err != nil {
			writeIndexError(w, err)
			return
		}
		writeResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		session.Rollback()
		writeError(w, http.StatusMethodNotAllowed, "only GET and PUT are allowed")
	}
}

func parseHashesParam(s string) ([]uint32, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	hashes := make([]uint32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, err
		}
		hashes[i] = uint32(v)
	}
	return hashes, nil
}

func writeIndexError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if ferr, ok := err.(*fpindex.Error); ok {
		switch ferr.Kind {
		case fpindex.KindAlreadyInTransaction, fpindex.KindNotInTransaction, fpindex.KindInvalidAttribute:
			status = http.StatusBadRequest
		case fpindex.KindCorruptSegment, fpindex.KindCorruptManifest:
			status = http.StatusInternalServerError
		case fpindex.KindIOError:
			status = http.StatusInternalServerError
		}
	}
	writeError(w, status, err.Error())
}

func writeResponse(w http.ResponseWriter, status int, response interface{}) {
	body, err := json.Marshal(response)
	if err != nil {
		log.Printf("error while serializing JSON response (%v)", err)
		writeError(w, http.StatusInternalServerError, "JSON serialization error")
		return
	}
	body = append(body, '\n')
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeResponse(w, status, map[string]string{"message": message})
}
