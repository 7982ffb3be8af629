// Package registry registers new cases across the embedding index, the
// metadata store and the blob store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kozaktomas/child-finder/internal/constants"
	"github.com/kozaktomas/child-finder/internal/database"
	"github.com/kozaktomas/child-finder/internal/fingerprint"
	"github.com/kozaktomas/child-finder/internal/logging"
	"github.com/kozaktomas/child-finder/internal/notify"
)

// BlobStore keeps the encrypted registration image.
type BlobStore interface {
	Ref(embeddingID int64) string
	Put(embeddingID int64, plaintext []byte) (string, error)
	Remove(ref string) error
}

// Registration is the input of a new case.
type Registration struct {
	Name                   string
	Age                    int
	Gender                 database.Gender
	GuardianContact        string
	DistinguishingFeatures string
	LastKnownLocation      string
	Embedding              []float32
	Image                  []byte
}

type Options struct {
	Dim         int
	CountryCode string // used to normalize local guardian phone numbers
}

// Service runs the registration saga: the index entry is written first, then
// a pending metadata row, then the image, and only then is the row marked
// complete. A failure at any step undoes the earlier steps.
type Service struct {
	index     database.EmbeddingIndex
	store     database.CaseWriter
	blobs     BlobStore
	extractor fingerprint.Extractor
	opts      Options
	logger    *slog.Logger
}

func NewService(index database.EmbeddingIndex, store database.CaseWriter, blobs BlobStore,
	extractor fingerprint.Extractor, opts Options, logger *slog.Logger) *Service {
	if opts.Dim <= 0 {
		opts.Dim = constants.EmbeddingDim
	}
	return &Service{
		index:     index,
		store:     store,
		blobs:     blobs,
		extractor: extractor,
		opts:      opts,
		logger:    logging.OrDefault(logger),
	}
}

// RegisterImage extracts the most confident face from image and registers it.
// reg.Image and reg.Embedding are filled from image.
func (s *Service) RegisterImage(ctx context.Context, reg Registration, image []byte) (*database.CaseRecord, error) {
	if s.extractor == nil {
		return nil, errors.New("no face extractor configured")
	}
	if err := s.validateDetails(&reg); err != nil {
		return nil, err
	}

	faces, err := s.extractor.ExtractFaces(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("extracting face: %w", err)
	}
	face, err := fingerprint.BestFace(faces)
	if err != nil {
		return nil, err
	}
	if len(faces) > 1 {
		s.logger.Warn("multiple faces in registration image, using the most confident",
			"faces", len(faces), "score", face.Score)
	}

	reg.Embedding = face.Embedding
	reg.Image = image
	return s.Register(ctx, reg)
}

// Register stores a new Open case. On error nothing of the registration
// remains visible and the first error is returned.
func (s *Service) Register(ctx context.Context, reg Registration) (*database.CaseRecord, error) {
	if err := s.validate(&reg); err != nil {
		return nil, err
	}

	id, err := s.store.ReserveEmbeddingID(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserving embedding id: %w", err)
	}

	if err := s.index.Insert(id, reg.Embedding); err != nil {
		return nil, fmt.Errorf("indexing embedding %d: %w", id, err)
	}

	rec := &database.CaseRecord{
		EmbeddingID:            id,
		Name:                   reg.Name,
		Age:                    reg.Age,
		Gender:                 reg.Gender,
		GuardianContact:        reg.GuardianContact,
		ImageReference:         s.blobs.Ref(id),
		Status:                 database.StatusOpen,
		DistinguishingFeatures: reg.DistinguishingFeatures,
		LastKnownLocation:      reg.LastKnownLocation,
		Embedding:              reg.Embedding,
	}
	if _, err := s.store.Insert(ctx, rec); err != nil {
		s.undoIndex(id)
		return nil, fmt.Errorf("storing case %d: %w", id, err)
	}

	if _, err := s.blobs.Put(id, reg.Image); err != nil {
		s.undoRow(ctx, id)
		s.undoIndex(id)
		return nil, fmt.Errorf("storing image for case %d: %w", id, err)
	}

	if err := s.store.MarkRegistered(ctx, id); err != nil {
		s.undoBlob(rec.ImageReference)
		s.undoRow(ctx, id)
		s.undoIndex(id)
		return nil, fmt.Errorf("completing registration %d: %w", id, err)
	}

	rec.RegistrationComplete = true
	s.logger.Info("case registered", "embedding_id", id, "child_id", rec.ChildID)
	return rec, nil
}

func (s *Service) validate(reg *Registration) error {
	if err := s.validateDetails(reg); err != nil {
		return err
	}
	if err := database.ValidateEmbedding(reg.Embedding, s.opts.Dim); err != nil {
		return err
	}
	if len(reg.Image) == 0 {
		return &database.ValidationError{Field: "image", Reason: "must not be empty"}
	}
	return nil
}

// validateDetails checks and normalizes everything except the embedding and image.
func (s *Service) validateDetails(reg *Registration) error {
	reg.Name = strings.TrimSpace(reg.Name)
	if reg.Name == "" {
		return &database.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if err := database.ValidateAge(reg.Age); err != nil {
		return err
	}
	gender, err := database.ParseGender(string(reg.Gender))
	if err != nil {
		return err
	}
	reg.Gender = gender

	if strings.TrimSpace(reg.GuardianContact) == "" {
		return &database.ValidationError{Field: "guardian_contact", Reason: "must not be empty"}
	}
	contact, err := notify.NormalizePhone(reg.GuardianContact, s.opts.CountryCode)
	if err != nil {
		return err
	}
	reg.GuardianContact = contact
	reg.DistinguishingFeatures = strings.TrimSpace(reg.DistinguishingFeatures)
	reg.LastKnownLocation = strings.TrimSpace(reg.LastKnownLocation)
	return nil
}

func (s *Service) undoIndex(id int64) {
	if err := s.index.Remove(id); err != nil {
		s.logger.Error("compensation failed: index entry left behind", "embedding_id", id, "error", err)
	}
}

// undoRow deletes the pending row even when ctx is already cancelled.
func (s *Service) undoRow(ctx context.Context, id int64) {
	if err := s.store.Delete(context.WithoutCancel(ctx), id); err != nil && !errors.Is(err, database.ErrNotFound) {
		s.logger.Error("compensation failed: pending case row left behind", "embedding_id", id, "error", err)
	}
}

func (s *Service) undoBlob(ref string) {
	if err := s.blobs.Remove(ref); err != nil {
		s.logger.Error("compensation failed: image blob left behind", "path", ref, "error", err)
	}
}

// Edit applies a corrective edit to an existing case and returns the updated
// case. The embedding and image cannot be edited.
func (s *Service) Edit(ctx context.Context, embeddingID int64, details database.CaseDetails) (*database.CaseRecord, error) {
	if details.Empty() {
		return nil, &database.ValidationError{Field: "details", Reason: "nothing to change"}
	}
	if details.Name != nil {
		name := strings.TrimSpace(*details.Name)
		details.Name = &name
	}
	if details.Gender != nil {
		gender, err := database.ParseGender(string(*details.Gender))
		if err != nil {
			return nil, err
		}
		details.Gender = &gender
	}
	if err := details.Validate(); err != nil {
		return nil, err
	}
	if details.GuardianContact != nil {
		contact, err := notify.NormalizePhone(*details.GuardianContact, s.opts.CountryCode)
		if err != nil {
			return nil, err
		}
		details.GuardianContact = &contact
	}

	if err := s.store.UpdateDetails(ctx, embeddingID, details); err != nil {
		return nil, fmt.Errorf("editing case %d: %w", embeddingID, err)
	}
	s.logger.Info("case edited", "embedding_id", embeddingID)
	return s.store.Get(ctx, embeddingID)
}
