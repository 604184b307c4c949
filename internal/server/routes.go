package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/marcus-qen/neuraleye/internal/frame"
	"github.com/marcus-qen/neuraleye/internal/ingest"
	"github.com/marcus-qen/neuraleye/internal/metrics"
	"github.com/marcus-qen/neuraleye/internal/ocr"
	"github.com/marcus-qen/neuraleye/internal/telemetry"
	"github.com/marcus-qen/neuraleye/internal/websocket"
)

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.Handle(s.cfg.WebSocket.Path, s.hub)

	// ── Stream API ───────────────────────────────────────────
	s.api(mux, "POST /api/stream/saveimage", s.handleSaveImage)
	s.api(mux, "GET /api/stream/getimages/{userId}", s.handleGetImages)
	s.api(mux, "GET /api/stream/latest", s.handleLatestFrame)
	s.api(mux, "GET /api/stream/status", s.handleStatus)
}

// api registers an API route wrapped in a server span.
func (s *Server) api(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		ctx, span := telemetry.StartHTTPSpan(r.Context(), r.Method, r.Pattern)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r.WithContext(ctx))
		telemetry.EndHTTPSpan(span, rec.status)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(p)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": Version, "commit": Commit, "date": Date,
	})
}

type saveImageRequest struct {
	Image  string `json:"image"`
	UserID int64  `json:"user_id"`
}

type saveImageResponse struct {
	Text string `json:"text"`
}

func (s *Server) handleSaveImage(w http.ResponseWriter, r *http.Request) {
	var req saveImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large (limit 8MB)")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	image, err := ocr.DecodeHex(req.Image)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_image", err.Error())
		return
	}

	ctx, span := telemetry.StartSaveImageSpan(r.Context(), req.UserID, len(image))
	defer span.End()

	text, err := s.extractor.Extract(ctx, image)
	if err != nil {
		s.metrics.RecordOCR(metrics.OCRError)
		s.logger.Warn("text extraction failed", zap.Int64("user_id", req.UserID), zap.Error(err))
		writeJSONError(w, http.StatusBadGateway, "ocr_failed", "text extraction failed")
		return
	}
	s.metrics.RecordOCR(metrics.OCRSuccess)

	rec, err := s.images.Save(ctx, req.UserID, image, text)
	if err != nil {
		s.logger.Error("save image failed", zap.Int64("user_id", req.UserID), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "store_failed", "failed to save image")
		return
	}
	s.logger.Info("image saved",
		zap.Int64("id", rec.ID),
		zap.Int64("user_id", rec.UserID),
		zap.Int("bytes", len(image)),
		zap.Int("text_len", len(text)),
	)

	writeJSON(w, http.StatusOK, saveImageResponse{Text: text})
}

func (s *Server) handleGetImages(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.PathValue("userId"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_user_id", "user id must be an integer")
		return
	}

	records, err := s.images.ListByUser(r.Context(), userID)
	if err != nil {
		s.logger.Error("list images failed", zap.Int64("user_id", userID), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "store_failed", "failed to list images")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleLatestFrame(w http.ResponseWriter, r *http.Request) {
	latest := s.assembler.Latest()
	if len(latest) == 0 {
		writeJSONError(w, http.StatusNotFound, "no_frame", "no frame has completed yet")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(latest)))
	_, _ = w.Write(latest)
}

// StatusResponse describes the live pipeline.
type StatusResponse struct {
	Ingest      string           `json:"ingest"`
	Assembler   frame.Stats      `json:"assembler"`
	Subscribers int              `json:"subscribers"`
	Viewers     []websocket.Info `json:"viewers"`
	ImagesSaved int64            `json:"images_saved"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	saved, err := s.images.Count(r.Context())
	if err != nil {
		s.logger.Warn("count images failed", zap.Error(err))
		saved = -1
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Ingest:      s.subscriber.State().String(),
		Assembler:   s.assembler.Stats(),
		Subscribers: s.registry.Len(),
		Viewers:     s.hub.List(),
		ImagesSaved: saved,
	})
}

// IngestState reports the chunk subscriber's lifecycle state.
func (s *Server) IngestState() ingest.State {
	return s.subscriber.State()
}
