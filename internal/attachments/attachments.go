// Package attachments stores uploaded book documents in the key-value store
// under their BLAKE3 content address. A book's fileRef points here.
package attachments

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"campuslibrary/internal/clock"
	"campuslibrary/internal/kvstore"
	"campuslibrary/internal/models"
	"campuslibrary/internal/policy"
	"campuslibrary/internal/services"
)

const (
	refPrefix = "blake3:"
	keyPrefix = "attachments/"

	encodingIdentity = "identity"
	encodingZstd     = "zstd"
)

var (
	ErrAttachmentNotFound = fmt.Errorf("attachment %w", services.ErrNotFound)
	ErrInvalidRef         = fmt.Errorf("%w: malformed file reference", services.ErrValidation)
	ErrEmptyDocument      = fmt.Errorf("%w: document is empty", services.ErrValidation)
	ErrDocumentTooLarge   = fmt.Errorf("%w: document exceeds the size limit", services.ErrValidation)
	ErrCorrupt            = fmt.Errorf("attachment content does not match its reference")
)

// Document is an attachment as handed to and from callers.
type Document struct {
	Ref         string    `json:"fileRef"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Size        int       `json:"size"`
	StoredAt    time.Time `json:"storedAt"`
	Data        []byte    `json:"-"`
}

// record is the persisted form. Data holds the encoded bytes.
type record struct {
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Size        int       `json:"size"`
	Encoding    string    `json:"encoding"`
	Data        []byte    `json:"data"`
	StoredAt    time.Time `json:"storedAt"`
}

// encoder and decoder are shared; both are safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("attachments: zstd encoder initialization failed: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("attachments: zstd decoder initialization failed: " + err.Error())
	}
}

type Service interface {
	Put(caller models.Identity, name, contentType string, data []byte) (*Document, error)
	Get(ref string) (*Document, error)
	// MaxBytes is the largest document Put accepts; 0 means unlimited.
	MaxBytes() int
}

type service struct {
	store    kvstore.Store
	clock    clock.Clock
	maxBytes int
}

// NewService returns an attachment store. maxBytes <= 0 disables the size
// limit.
func NewService(store kvstore.Store, clk clock.Clock, maxBytes int) Service {
	return &service{store: store, clock: clk, maxBytes: maxBytes}
}

func (s *service) MaxBytes() int {
	if s.maxBytes < 0 {
		return 0
	}
	return s.maxBytes
}

// Put stores data and returns its reference. Storing identical content
// again keeps the first record and returns the same reference.
func (s *service) Put(caller models.Identity, name, contentType string, data []byte) (*Document, error) {
	if err := policy.Authorize(caller, policy.OpUploadAttachment, policy.Target{}); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmptyDocument
	}
	if s.maxBytes > 0 && len(data) > s.maxBytes {
		return nil, ErrDocumentTooLarge
	}

	digest := Hash(data)
	key := keyPrefix + digest

	var existing record
	found, err := kvstore.GetJSON(s.store, key, &existing)
	if err != nil {
		return nil, err
	}
	if found {
		log.Printf("[INFO] PutAttachment: %s already stored", digest)
		return existing.document(refPrefix+digest, nil), nil
	}

	rec := record{
		Name:        strings.TrimSpace(name),
		ContentType: contentType,
		Size:        len(data),
		Encoding:    encodingIdentity,
		Data:        data,
		StoredAt:    s.clock.Now(),
	}
	if compressed := encoder.EncodeAll(data, nil); len(compressed) < len(data) {
		rec.Encoding, rec.Data = encodingZstd, compressed
	}
	if err := s.store.Put(key, rec); err != nil {
		log.Printf("[ERROR] PutAttachment: %v", err)
		return nil, err
	}

	log.Printf("[INFO] PutAttachment: stored %s (%d bytes, %s) by %s", digest, len(data), rec.Encoding, caller.UserID)
	return rec.document(refPrefix+digest, nil), nil
}

// Get loads and verifies the document behind ref.
func (s *service) Get(ref string) (*Document, error) {
	digest, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}

	var rec record
	found, err := kvstore.GetJSON(s.store, keyPrefix+digest, &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrAttachmentNotFound
	}

	var data []byte
	switch rec.Encoding {
	case encodingZstd:
		data, err = decoder.DecodeAll(rec.Data, make([]byte, 0, rec.Size))
		if err != nil {
			return nil, fmt.Errorf("decompress %s: %w", digest, err)
		}
	case encodingIdentity, "":
		data = rec.Data
	default:
		return nil, fmt.Errorf("attachment %s: unknown encoding %q", digest, rec.Encoding)
	}

	if Hash(data) != digest {
		log.Printf("[ERROR] GetAttachment: %s failed integrity check", digest)
		return nil, ErrCorrupt
	}
	return rec.document(ref, data), nil
}

func (r record) document(ref string, data []byte) *Document {
	return &Document{
		Ref:         ref,
		Name:        r.Name,
		ContentType: r.ContentType,
		Size:        r.Size,
		StoredAt:    r.StoredAt,
		Data:        data,
	}
}

// Hash returns the lowercase hex BLAKE3-256 digest of data.
func Hash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Ref returns the fileRef that data would be stored under.
func Ref(data []byte) string {
	return refPrefix + Hash(data)
}

// ParseRef validates ref and returns its hex digest.
func ParseRef(ref string) (string, error) {
	digest, ok := strings.CutPrefix(ref, refPrefix)
	if !ok || len(digest) != 64 {
		return "", ErrInvalidRef
	}
	if _, err := hex.DecodeString(digest); err != nil || strings.ToLower(digest) != digest {
		return "", ErrInvalidRef
	}
	return digest, nil
}
