package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"mime"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aeolun/relay/pkg/accounts"
	"github.com/aeolun/relay/pkg/upload"
	"github.com/julienschmidt/httprouter"
)

const maxAccountBodyBytes = 4 << 10

type accountRequest struct {
	Identity string `json:"identity"`
}

type accountResponse struct {
	Identity string `json:"identity"`
	Exists   bool   `json:"exists"`
}

type uploadResponse struct {
	Locator string `json:"locator"`
}

type healthResponse struct {
	Status        string `json:"status"`
	Sessions      int    `json:"sessions"`
	Identities    int    `json:"identities"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// httpHandler builds the public HTTP handler
func (s *Server) httpHandler() http.Handler {
	router := httprouter.New()

	router.GET("/ws", s.handleWebSocket)
	router.GET("/health", s.handleHealth)

	router.POST("/api/accounts", s.handleCreateAccount)
	router.GET("/api/accounts/:identity", s.handleGetAccount)
	router.POST("/api/upload", s.handleUpload)
	router.GET("/uploads/*filepath", s.handleGetUpload)

	if s.config.StaticDir != "" {
		router.NotFound = http.FileServer(http.Dir(s.config.StaticDir))
	}

	// Preflight requests are answered by the CORS wrapper
	router.HandleOPTIONS = false

	return withCORS(s.config.CORSOrigin, router)
}

// withCORS adds the configured Access-Control headers and answers preflight requests
func withCORS(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debugLog.Printf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Sessions:      s.sessions.Count(),
		Identities:    len(s.router.Identities()),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req accountRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAccountBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	identity, err := s.accounts.Normalize(req.Identity)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.accounts.Create(r.Context(), identity)
	if err != nil {
		if errors.Is(err, accounts.ErrInvalidIdentity) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		errorLog.Printf("Create account %q: %v", identity, err)
		writeError(w, http.StatusInternalServerError, "failed to create account")
		return
	}
	if !created {
		writeError(w, http.StatusConflict, "identity already exists")
		return
	}

	log.Printf("Account created: %s", identity)
	writeJSON(w, http.StatusCreated, accountResponse{Identity: identity, Exists: true})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	exists, err := s.accounts.Exists(r.Context(), ps.ByName("identity"))
	if err != nil {
		if errors.Is(err, accounts.ErrInvalidIdentity) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		errorLog.Printf("Look up account: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to look up account")
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "no such account")
		return
	}
	identity, _ := s.accounts.Normalize(ps.ByName("identity"))
	writeJSON(w, http.StatusOK, accountResponse{Identity: identity, Exists: true})
}

// handleUpload stores the multipart field "file", or the raw body when the
// request is not multipart (the name then comes from ?filename=)
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var (
		src      io.Reader
		filename string
	)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		mr, err := r.MultipartReader()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid multipart body")
				return
			}
			if part.FormName() == "file" {
				src, filename = part, part.FileName()
				break
			}
			part.Close()
		}
		if src == nil {
			writeError(w, http.StatusBadRequest, `missing "file" field`)
			return
		}
	} else {
		src, filename = r.Body, r.URL.Query().Get("filename")
	}

	locator, err := s.uploads.Save(src, filename)
	if err != nil {
		if errors.Is(err, upload.ErrTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		errorLog.Printf("Upload from %s: %v", r.RemoteAddr, err)
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	debugLog.Printf("Stored upload %s from %s", locator, r.RemoteAddr)
	writeJSON(w, http.StatusCreated, uploadResponse{Locator: locator})
}

func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	path, err := s.uploads.Path(strings.TrimPrefix(ps.ByName("filepath"), "/"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if _, err := os.Stat(path); err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, path)
}
