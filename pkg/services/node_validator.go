package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-knowledge/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/models"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/repositories"
)

// Field error codes reported by NodeValidator.
const (
	ValidationRequired          = "REQUIRED"
	ValidationMinLength         = "MIN_LENGTH"
	ValidationMaxLength         = "MAX_LENGTH"
	ValidationInvalidFormat     = "INVALID_FORMAT"
	ValidationInvalidValue      = "INVALID_VALUE"
	ValidationMaxItems          = "MAX_ITEMS"
	ValidationDuplicateValue    = "DUPLICATE_VALUE"
	ValidationMaxSize           = "MAX_SIZE"
	ValidationMaxDepth          = "MAX_DEPTH"
	ValidationInvalidKeyFormat  = "INVALID_KEY_FORMAT"
	ValidationReservedKey       = "RESERVED_KEY"
	ValidationInvalidType       = "INVALID_TYPE"
	ValidationImmutableField    = "IMMUTABLE_FIELD"
	ValidationRequiredForStatus = "REQUIRED_FOR_STATUS"
	ValidationRequiredForType   = "REQUIRED_FOR_TYPE"
)

// MaxContentBytes is the largest node content the validator accepts.
const MaxContentBytes = 10 << 20

const (
	minTitleLength      = 3
	maxTitleLength      = 255
	maxSlugLength       = 100
	maxGeneratedSlugLen = 80
	maxTags             = 50
	maxTagLength        = 50
	maxMetadataBytes    = 64 << 10
	maxMetadataDepth    = 10
	maxMetadataString   = 4096
	maxMetadataArray    = 1000
	maxSlugAttempts     = 100

	templateVersionKey = "templateVersion"
	fallbackSlug       = "untitled"
)

var (
	slugPattern        = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	tagPattern         = regexp.MustCompile(`^[A-Za-z0-9 _-]+$`)
	metadataKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

	slugStripPattern  = regexp.MustCompile(`[^a-z0-9\s-]`)
	slugSpacePattern  = regexp.MustCompile(`\s+`)
	slugHyphenPattern = regexp.MustCompile(`-+`)

	reservedMetadataKeys = map[string]bool{
		"id":      true,
		"created": true,
		"updated": true,
		"version": true,
	}
)

// ValidateOptions tells the validator whether it is checking a partial update
// and, if so, the node being updated.
type ValidateOptions struct {
	IsUpdate bool
	Existing *models.KnowledgeNode
}

// ValidationResult collects every violation found in a payload.
type ValidationResult struct {
	Valid  bool                    `json:"valid"`
	Errors []apperrors.FieldError `json:"errors"`
}

// Err returns an INVALID_NODE_DATA error, or nil when the payload is valid.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return apperrors.Invalid(r.Errors)
}

// NodeValidator checks node payloads and resolves slugs.
type NodeValidator interface {
	// ValidateNodeData never stops at the first violation.
	ValidateNodeData(input *models.NodeInput, opts ValidateOptions) ValidationResult
	IsSlugUnique(ctx context.Context, slug string, excludeID *uuid.UUID) (bool, error)
	GenerateUniqueSlug(ctx context.Context, title string) (string, error)
}

type nodeValidator struct {
	repo   repositories.KnowledgeNodeRepository
	logger *zap.Logger
}

// NewNodeValidator creates a NodeValidator. The repository backs the slug checks only.
func NewNodeValidator(repo repositories.KnowledgeNodeRepository, logger *zap.Logger) NodeValidator {
	return &nodeValidator{
		repo:   repo,
		logger: logger.Named("node-validator"),
	}
}

var _ NodeValidator = (*nodeValidator)(nil)

type fieldErrors []apperrors.FieldError

func (f *fieldErrors) add(field, code, format string, args ...any) {
	*f = append(*f, apperrors.FieldError{
		Field:   field,
		Message: fmt.Sprintf(format, args...),
		Code:    code,
	})
}

func (v *nodeValidator) ValidateNodeData(input *models.NodeInput, opts ValidateOptions) ValidationResult {
	var errs fieldErrors
	if input == nil {
		input = &models.NodeInput{}
	}

	if input.Title != nil || !opts.IsUpdate {
		validateTitle(&errs, input.Title)
	}
	if input.Slug != nil {
		validateSlug(&errs, *input.Slug, opts.IsUpdate)
	}
	if input.Type != nil && !input.Type.IsValid() {
		errs.add("type", ValidationInvalidValue, "type must be one of %v", models.ValidNodeTypes)
	}
	if input.Status != nil && !input.Status.IsValid() {
		errs.add("status", ValidationInvalidValue, "status must be one of %v", models.ValidNodeStatuses)
	}
	if input.Tags != nil {
		validateTags(&errs, input.Tags)
	}
	if input.Content != nil && len(*input.Content) > MaxContentBytes {
		errs.add("content", ValidationMaxSize, "content must not exceed %d bytes", MaxContentBytes)
	}
	if input.Metadata != nil {
		validateMetadata(&errs, input.Metadata)
	}
	if input.Author != nil {
		switch {
		case opts.IsUpdate && opts.Existing != nil && *input.Author != opts.Existing.Author:
			errs.add("author", ValidationImmutableField, "author cannot be changed after creation")
		case !opts.IsUpdate && strings.TrimSpace(*input.Author) == "":
			errs.add("author", ValidationRequired, "author must not be empty")
		}
	}

	validateBusinessRules(&errs, effectiveState(input, opts))

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func validateTitle(errs *fieldErrors, title *string) {
	if title == nil || strings.TrimSpace(*title) == "" {
		errs.add("title", ValidationRequired, "title is required")
		return
	}
	n := utf8.RuneCountInString(*title)
	if n < minTitleLength {
		errs.add("title", ValidationMinLength, "title must be at least %d characters", minTitleLength)
	}
	if n > maxTitleLength {
		errs.add("title", ValidationMaxLength, "title must not exceed %d characters", maxTitleLength)
	}
}

// validateSlug treats an empty slug on create as "generate one".
func validateSlug(errs *fieldErrors, slug string, isUpdate bool) {
	if slug == "" {
		if isUpdate {
			errs.add("slug", ValidationRequired, "slug cannot be cleared")
		}
		return
	}
	if len(slug) > maxSlugLength {
		errs.add("slug", ValidationMaxLength, "slug must not exceed %d characters", maxSlugLength)
	}
	if !slugPattern.MatchString(slug) {
		errs.add("slug", ValidationInvalidFormat, "slug must be lowercase letters and digits separated by single hyphens")
	}
}

func validateTags(errs *fieldErrors, tags []string) {
	if len(tags) > maxTags {
		errs.add("tags", ValidationMaxItems, "at most %d tags are allowed", maxTags)
	}
	seen := make(map[string]int, len(tags))
	for i, tag := range tags {
		field := fmt.Sprintf("tags[%d]", i)
		switch {
		case tag == "":
			errs.add(field, ValidationMinLength, "tag must not be empty")
			continue
		case utf8.RuneCountInString(tag) > maxTagLength:
			errs.add(field, ValidationMaxLength, "tag must not exceed %d characters", maxTagLength)
		}
		if !tagPattern.MatchString(tag) {
			errs.add(field, ValidationInvalidFormat, "tag may only contain letters, digits, spaces, hyphens and underscores")
		}
		key := strings.ToLower(tag)
		if first, dup := seen[key]; dup {
			errs.add(field, ValidationDuplicateValue, "tag %q duplicates tags[%d]", tag, first)
			continue
		}
		seen[key] = i
	}
}

func validateMetadata(errs *fieldErrors, metadata models.Metadata) {
	before := len(*errs)
	walkMetadataObject(errs, "metadata", metadata, 1, true)
	if len(*errs) > before {
		return
	}

	encoded, err := json.Marshal(metadata)
	if err != nil {
		errs.add("metadata", ValidationInvalidType, "metadata is not serializable: %v", err)
		return
	}
	if len(encoded) > maxMetadataBytes {
		errs.add("metadata", ValidationMaxSize, "metadata must not exceed %d bytes when serialized", maxMetadataBytes)
	}
}

// walkMetadataObject checks one object level. The top-level object is depth 1.
func walkMetadataObject(errs *fieldErrors, path string, obj map[string]any, depth int, topLevel bool) {
	if depth > maxMetadataDepth {
		errs.add(path, ValidationMaxDepth, "metadata must not be nested more than %d levels", maxMetadataDepth)
		return
	}
	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := obj[key]
		field := path + "." + key
		if !metadataKeyPattern.MatchString(key) {
			errs.add(field, ValidationInvalidKeyFormat, "metadata key %q may only contain letters, digits and underscores", key)
		}
		if topLevel && reservedMetadataKeys[key] {
			errs.add(field, ValidationReservedKey, "metadata key %q is reserved", key)
		}
		walkMetadataValue(errs, field, value, depth)
	}
}

func walkMetadataValue(errs *fieldErrors, path string, value any, depth int) {
	switch val := value.(type) {
	case nil, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
	case float32:
		checkFloat(errs, path, float64(val))
	case float64:
		checkFloat(errs, path, val)
	case string:
		if utf8.RuneCountInString(val) > maxMetadataString {
			errs.add(path, ValidationMaxLength, "metadata string must not exceed %d characters", maxMetadataString)
		}
	case []any:
		if len(val) > maxMetadataArray {
			errs.add(path, ValidationMaxItems, "metadata array must not exceed %d items", maxMetadataArray)
			return
		}
		if depth+1 > maxMetadataDepth {
			if len(val) > 0 {
				errs.add(path, ValidationMaxDepth, "metadata must not be nested more than %d levels", maxMetadataDepth)
			}
			return
		}
		for i, item := range val {
			walkMetadataValue(errs, path+"["+strconv.Itoa(i)+"]", item, depth+1)
		}
	case []string:
		anys := make([]any, len(val))
		for i, s := range val {
			anys[i] = s
		}
		walkMetadataValue(errs, path, anys, depth)
	case map[string]any:
		walkMetadataObject(errs, path, val, depth+1, false)
	case models.Metadata:
		walkMetadataObject(errs, path, val, depth+1, false)
	default:
		errs.add(path, ValidationInvalidType, "unsupported metadata value of type %T", value)
	}
}

func checkFloat(errs *fieldErrors, path string, f float64) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		errs.add(path, ValidationInvalidValue, "metadata numbers must be finite")
	}
}

type nodeState struct {
	nodeType models.NodeType
	status   models.NodeStatus
	content  string
	metadata models.Metadata
}

// effectiveState is the node as it would look after the payload is applied.
func effectiveState(input *models.NodeInput, opts ValidateOptions) nodeState {
	s := nodeState{
		nodeType: models.NodeTypeDocument,
		status:   models.NodeStatusDraft,
	}
	if opts.IsUpdate && opts.Existing != nil {
		s.nodeType = opts.Existing.Type
		s.status = opts.Existing.Status
		s.content = opts.Existing.Content
		s.metadata = opts.Existing.Metadata
	}
	if input.Type != nil {
		s.nodeType = *input.Type
	}
	if input.Status != nil {
		s.status = *input.Status
	}
	if input.Content != nil {
		s.content = *input.Content
	}
	if input.Metadata != nil {
		s.metadata = input.Metadata
	}
	return s
}

func validateBusinessRules(errs *fieldErrors, s nodeState) {
	if s.status == models.NodeStatusPublished && strings.TrimSpace(s.content) == "" {
		errs.add("content", ValidationRequiredForStatus, "content is required to publish a node")
	}
	if s.nodeType == models.NodeTypeTemplate {
		if _, ok := s.metadata[templateVersionKey]; !ok {
			errs.add("metadata."+templateVersionKey, ValidationRequiredForType, "template nodes require metadata.%s", templateVersionKey)
		}
	}
}

func (v *nodeValidator) IsSlugUnique(ctx context.Context, slug string, excludeID *uuid.UUID) (bool, error) {
	count, err := v.repo.CountBySlug(ctx, slug, excludeID)
	if err != nil {
		return false, fmt.Errorf("failed to check slug uniqueness: %w", err)
	}
	return count == 0, nil
}

// GenerateUniqueSlug derives a slug from title and appends -1, -2, ... until it
// is free. After maxSlugAttempts collisions it falls back to a random suffix.
func (v *nodeValidator) GenerateUniqueSlug(ctx context.Context, title string) (string, error) {
	base := NormalizeSlug(title)

	candidate := base
	for attempt := 1; attempt <= maxSlugAttempts; attempt++ {
		unique, err := v.IsSlugUnique(ctx, candidate, nil)
		if err != nil {
			return "", err
		}
		if unique {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, attempt)
	}

	v.logger.Warn("Slug suffix attempts exhausted, using random suffix",
		zap.String("base", base),
		zap.Int("attempts", maxSlugAttempts))

	candidate = base + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	unique, err := v.IsSlugUnique(ctx, candidate, nil)
	if err != nil {
		return "", err
	}
	if !unique {
		return "", apperrors.New(apperrors.CodeDuplicateNodeSlug,
			fmt.Sprintf("could not find a free slug for %q", base))
	}
	return candidate, nil
}

// NormalizeSlug turns free text into slug form without checking uniqueness.
func NormalizeSlug(title string) string {
	s := strings.ToLower(title)
	s = slugStripPattern.ReplaceAllString(s, "")
	s = slugSpacePattern.ReplaceAllString(s, "-")
	s = slugHyphenPattern.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxGeneratedSlugLen {
		s = strings.TrimRight(s[:maxGeneratedSlugLen], "-")
	}
	if s == "" {
		return fallbackSlug
	}
	return s
}
