package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"backend-salesrephub/internal/db"

	"github.com/google/uuid"
)

// Image kinds the tracking flow attaches to sessions and visits.
const (
	KindOdometerStart = "odometer_start"
	KindOdometerEnd   = "odometer_end"
	KindEvidence      = "evidence"
)

const uploadTTL = 15 * time.Minute

var ErrUnknownKind = errors.New("unknown image kind")

// Image is a reference to an uploaded photo. The bytes live in object
// storage; the URL is what sessions and visits store.
type Image struct {
	ID         string    `json:"id"`
	OperatorID string    `json:"operator_id"`
	Kind       string    `json:"kind"`
	URL        string    `json:"url"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

type Service struct {
	db      db.Querier
	baseURL string
}

func NewService(db db.Querier, baseURL string) *Service {
	return &Service{db: db, baseURL: strings.TrimRight(baseURL, "/")}
}

func validKind(kind string) bool {
	switch kind {
	case KindOdometerStart, KindOdometerEnd, KindEvidence:
		return true
	}
	return false
}

// SaveImage registers an upload slot and returns the URL the client puts
// the bytes to.
func (s *Service) SaveImage(ctx context.Context, operatorID, fileName, kind string) (Image, error) {
	if !validKind(kind) {
		return Image{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	name := path.Base(strings.TrimSpace(fileName))
	if name == "" || name == "." || name == "/" {
		name = "upload"
	}
	img := Image{
		ID:         uuid.NewString(),
		OperatorID: operatorID,
		Kind:       kind,
		ExpiresAt:  time.Now().Add(uploadTTL),
	}
	img.URL = s.baseURL + "/" + operatorID + "/" + img.ID + "-" + name

	row := s.db.QueryRow(ctx, `
		INSERT INTO images (id, operator_id, url, kind)
		VALUES ($1,$2,$3,$4)
		RETURNING created_at
	`, img.ID, img.OperatorID, img.URL, img.Kind)
	if err := row.Scan(&img.CreatedAt); err != nil {
		return Image{}, err
	}
	return img, nil
}

func (s *Service) GetImage(ctx context.Context, id string) (Image, error) {
	var img Image
	row := s.db.QueryRow(ctx, `
		SELECT id, operator_id, url, kind, created_at
		FROM images WHERE id=$1
	`, id)
	if err := row.Scan(&img.ID, &img.OperatorID, &img.URL, &img.Kind, &img.CreatedAt); err != nil {
		return Image{}, err
	}
	return img, nil
}
