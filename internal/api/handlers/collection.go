package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/curebird/curebird/internal/api/middleware"
	"github.com/curebird/curebird/internal/binder"
	"github.com/curebird/curebird/internal/observability/metrics"
	"github.com/curebird/curebird/internal/store"
	"github.com/curebird/curebird/pkg/idempotency"
)

// Decoder builds an item from a request body. id is empty on create.
type Decoder[T any] func(id string, body []byte) (T, error)

// CollectionHandler serves one per-user collection. Routes must be mounted
// behind middleware.SessionAuth.
type CollectionHandler[T any] struct {
	store   store.Store
	appID   string
	domain  store.Domain
	codec   binder.Codec[T]
	decode  Decoder[T]
	inbox   idempotency.Processor
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewCollectionHandler creates a handler. inbox and m may be nil.
func NewCollectionHandler[T any](st store.Store, appID string, domain store.Domain, codec binder.Codec[T], decode Decoder[T],
	inbox idempotency.Processor, m *metrics.Metrics, logger *zap.Logger) *CollectionHandler[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CollectionHandler[T]{
		store:   st,
		appID:   appID,
		domain:  domain,
		codec:   codec,
		decode:  decode,
		inbox:   inbox,
		metrics: m,
		logger:  logger.With(zap.String("domain", string(domain))),
	}
}

// Routes returns the handler routes
func (h *CollectionHandler[T]) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Put("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
	return r
}

func (h *CollectionHandler[T]) path(ctx context.Context) store.Path {
	return store.Path{AppID: h.appID, UserID: middleware.GetUserID(ctx), Domain: h.domain}
}

// List handles GET: the caller's items, newest first.
func (h *CollectionHandler[T]) List(w http.ResponseWriter, r *http.Request) {
	items, err := ListItems(r.Context(), h.store, h.path(r.Context()), h.codec)
	if err != nil {
		h.logger.Error("list failed", zap.Error(err))
		jsonError(w, errorMessage(err), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// ListItems reads and decodes a collection. Undecodable documents are skipped.
func ListItems[T any](ctx context.Context, st store.Store, path store.Path, codec binder.Codec[T]) ([]T, error) {
	docs, err := st.List(ctx, path)
	if err != nil {
		return nil, err
	}
	store.SortDocs(docs)
	items := make([]T, 0, len(docs))
	for _, d := range docs {
		item, err := codec.Decode(d)
		if err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Create handles POST.
func (h *CollectionHandler[T]) Create(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, "create", "", http.StatusCreated, func(ctx context.Context, path store.Path, fields map[string]any) (string, error) {
		return h.store.Insert(ctx, path, fields)
	})
}

// Update handles PUT /{id}.
func (h *CollectionHandler[T]) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.write(w, r, "update", id, http.StatusOK, func(ctx context.Context, path store.Path, fields map[string]any) (string, error) {
		return id, h.store.Update(ctx, path, id, fields)
	})
}

// Delete handles DELETE /{id}. Deleting a missing document succeeds.
func (h *CollectionHandler[T]) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	result, replayed, err := h.once(ctx, r, nil, func(ctx context.Context) (json.RawMessage, error) {
		start := time.Now()
		err := h.store.Delete(ctx, h.path(ctx), id)
		h.metrics.ObserveWrite(string(h.domain), "delete", start, err)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"id": id})
	})
	h.respond(w, r, "delete", http.StatusOK, result, replayed, err)
}

type writeFunc func(ctx context.Context, path store.Path, fields map[string]any) (string, error)

func (h *CollectionHandler[T]) write(w http.ResponseWriter, r *http.Request, op, id string, status int, do writeFunc) {
	ctx, span := otel.Tracer("collection-handler").Start(r.Context(), op+"_"+string(h.domain))
	defer span.End()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	item, err := h.decode(id, body)
	if err != nil {
		jsonError(w, errorMessage(err), statusFor(err))
		return
	}
	fields, err := h.codec.Encode(item)
	if err != nil {
		jsonError(w, errorMessage(err), statusFor(err))
		return
	}
	binder.NormalizeDates(fields)

	result, replayed, err := h.once(ctx, r, body, func(ctx context.Context) (json.RawMessage, error) {
		start := time.Now()
		newID, err := do(ctx, h.path(ctx), fields)
		h.metrics.ObserveWrite(string(h.domain), op, start, err)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				err = idempotency.Permanent(err)
			}
			return nil, err
		}
		span.SetAttributes(attribute.String("document_id", newID))
		return json.Marshal(map[string]string{"id": newID})
	})
	h.respond(w, r, op, status, result, replayed, err)
}

// once runs fn, through the inbox when the request carries an
// Idempotency-Key header.
func (h *CollectionHandler[T]) once(ctx context.Context, r *http.Request, payload []byte, fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, bool, error) {
	clientKey := r.Header.Get("Idempotency-Key")
	if clientKey == "" || h.inbox == nil {
		res, err := fn(ctx)
		return res, false, err
	}

	key := idempotency.GenerateKey(middleware.GetUserID(ctx), r.Method, r.URL.Path, clientKey)
	if payload == nil {
		payload = []byte("{}")
	}
	res, err := h.inbox.Process(ctx, key, string(h.domain)+"."+r.Method, payload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return fn(ctx)
	})
	if err != nil {
		return nil, false, err
	}
	return res.Result, !res.IsNew && !res.WasRecovered, nil
}

func (h *CollectionHandler[T]) respond(w http.ResponseWriter, r *http.Request, op string, status int, result json.RawMessage, replayed bool, err error) {
	if err != nil {
		h.logger.Error(op+" failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		jsonError(w, errorMessage(err), statusFor(err))
		return
	}
	if replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(result)
}
