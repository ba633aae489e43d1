package app

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"titledb/pkg/domain"
	"titledb/pkg/perm"
	"titledb/pkg/store"
)

const (
	maxNameLen = 256
	maxSlugLen = 50
)

var slugPattern = regexp.MustCompile(`^[-a-zA-Z0-9_]+$`)

// TitleInput carries the writable fields of a title. CategorySlug is
// required even though the stored reference is nullable: a category is
// assigned at creation and may only disappear later through an
// administrative category delete.
type TitleInput struct {
	Name         string
	Year         int
	Description  string
	CategorySlug string
	GenreSlugs   []string
}

// ListCategories is open to anonymous callers; search matches category
// names as a substring.
func (a *App) ListCategories(actor *domain.User, search string) ([]domain.Category, error) {
	if !a.catalogPolicy.Allow(actor, perm.ActionRead, "") {
		return nil, ErrPermissionDenied
	}
	return a.store.ListCategories(search)
}

// CreateCategory adds a category (admin only).
func (a *App) CreateCategory(actor *domain.User, name, slug string) (domain.Category, error) {
	if !a.catalogPolicy.Allow(actor, perm.ActionCreate, "") {
		return domain.Category{}, ErrPermissionDenied
	}
	if err := validateNameSlug(name, slug); err != nil {
		return domain.Category{}, err
	}
	category := domain.Category{Name: strings.TrimSpace(name), Slug: slug}
	if err := a.store.CreateCategory(category); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return domain.Category{}, &ConflictError{Field: "slug"}
		}
		return domain.Category{}, fmt.Errorf("create category: %w", err)
	}
	return category, nil
}

// DeleteCategory removes a category by slug; titles keep existing with a
// nulled category reference (admin only).
func (a *App) DeleteCategory(actor *domain.User, slug string) error {
	if !a.catalogPolicy.Allow(actor, perm.ActionModify, "") {
		return ErrPermissionDenied
	}
	deleted, err := a.store.DeleteCategory(slug)
	if err != nil {
		return fmt.Errorf("delete category: %w", err)
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}

// ListGenres is open to anonymous callers; search matches genre names.
func (a *App) ListGenres(actor *domain.User, search string) ([]domain.Genre, error) {
	if !a.catalogPolicy.Allow(actor, perm.ActionRead, "") {
		return nil, ErrPermissionDenied
	}
	return a.store.ListGenres(search)
}

// CreateGenre adds a genre (admin only).
func (a *App) CreateGenre(actor *domain.User, name, slug string) (domain.Genre, error) {
	if !a.catalogPolicy.Allow(actor, perm.ActionCreate, "") {
		return domain.Genre{}, ErrPermissionDenied
	}
	if err := validateNameSlug(name, slug); err != nil {
		return domain.Genre{}, err
	}
	genre := domain.Genre{Name: strings.TrimSpace(name), Slug: slug}
	if err := a.store.CreateGenre(genre); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return domain.Genre{}, &ConflictError{Field: "slug"}
		}
		return domain.Genre{}, fmt.Errorf("create genre: %w", err)
	}
	return genre, nil
}

// DeleteGenre removes a genre by slug; titles keep existing with the
// association row nulled (admin only).
func (a *App) DeleteGenre(actor *domain.User, slug string) error {
	if !a.catalogPolicy.Allow(actor, perm.ActionModify, "") {
		return ErrPermissionDenied
	}
	deleted, err := a.store.DeleteGenre(slug)
	if err != nil {
		return fmt.Errorf("delete genre: %w", err)
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}

// ListTitles is open to anonymous callers.
func (a *App) ListTitles(actor *domain.User, filter store.TitleFilter) ([]domain.Title, error) {
	if !a.catalogPolicy.Allow(actor, perm.ActionRead, "") {
		return nil, ErrPermissionDenied
	}
	return a.store.ListTitles(filter)
}

// GetTitle returns one title with its derived rating.
func (a *App) GetTitle(actor *domain.User, id int64) (domain.Title, error) {
	if !a.catalogPolicy.Allow(actor, perm.ActionRead, "") {
		return domain.Title{}, ErrPermissionDenied
	}
	title, found, err := a.store.GetTitle(id)
	if err != nil {
		return domain.Title{}, fmt.Errorf("fetch title: %w", err)
	}
	if !found {
		return domain.Title{}, ErrNotFound
	}
	return title, nil
}

// CreateTitle adds a title (admin only). The category slug must resolve
// and every genre slug must resolve, or the write is rejected.
func (a *App) CreateTitle(actor *domain.User, input TitleInput) (domain.Title, error) {
	if !a.catalogPolicy.Allow(actor, perm.ActionCreate, "") {
		return domain.Title{}, ErrPermissionDenied
	}
	if err := a.validateTitleInput(input); err != nil {
		return domain.Title{}, err
	}
	title := domain.Title{
		Name:        strings.TrimSpace(input.Name),
		Year:        input.Year,
		Description: input.Description,
	}
	created, err := a.store.CreateTitle(title, input.CategorySlug, input.GenreSlugs)
	if err != nil {
		return domain.Title{}, fmt.Errorf("create title: %w", err)
	}
	return created, nil
}

// UpdateTitle rewrites a title's fields and replaces its genre set
// wholesale (admin only).
func (a *App) UpdateTitle(actor *domain.User, id int64, input TitleInput) (domain.Title, error) {
	if !a.catalogPolicy.Allow(actor, perm.ActionModify, "") {
		return domain.Title{}, ErrPermissionDenied
	}
	existing, found, err := a.store.GetTitle(id)
	if err != nil {
		return domain.Title{}, fmt.Errorf("fetch title: %w", err)
	}
	if !found {
		return domain.Title{}, ErrNotFound
	}
	if err := a.validateTitleInput(input); err != nil {
		return domain.Title{}, err
	}
	existing.Name = strings.TrimSpace(input.Name)
	existing.Year = input.Year
	existing.Description = input.Description
	updated, err := a.store.UpdateTitle(existing, input.CategorySlug, input.GenreSlugs)
	if err != nil {
		return domain.Title{}, fmt.Errorf("update title: %w", err)
	}
	return updated, nil
}

// DeleteTitle removes a title and cascades its reviews and comments
// (admin only).
func (a *App) DeleteTitle(actor *domain.User, id int64) error {
	if !a.catalogPolicy.Allow(actor, perm.ActionModify, "") {
		return ErrPermissionDenied
	}
	deleted, err := a.store.DeleteTitle(id)
	if err != nil {
		return fmt.Errorf("delete title: %w", err)
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}

// validateTitleInput checks fields and resolves the referenced slugs.
// Works published this calendar year or later are rejected.
func (a *App) validateTitleInput(input TitleInput) error {
	fields := map[string]string{}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		fields["name"] = "name is required"
	} else if len(name) > maxNameLen {
		fields["name"] = fmt.Sprintf("name must be at most %d characters", maxNameLen)
	}
	if input.Year >= time.Now().UTC().Year() {
		fields["year"] = "year must be earlier than the current year"
	}
	if input.CategorySlug == "" {
		fields["category"] = "category is required"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}

	if _, found, err := a.store.GetCategoryBySlug(input.CategorySlug); err != nil {
		return fmt.Errorf("resolve category: %w", err)
	} else if !found {
		return invalidField("category", fmt.Sprintf("category %q does not exist", input.CategorySlug))
	}
	for _, slug := range input.GenreSlugs {
		if _, found, err := a.store.GetGenreBySlug(slug); err != nil {
			return fmt.Errorf("resolve genre: %w", err)
		} else if !found {
			return invalidField("genre", fmt.Sprintf("genre %q does not exist", slug))
		}
	}
	return nil
}

func validateNameSlug(name, slug string) error {
	fields := map[string]string{}
	name = strings.TrimSpace(name)
	if name == "" {
		fields["name"] = "name is required"
	} else if len(name) > maxNameLen {
		fields["name"] = fmt.Sprintf("name must be at most %d characters", maxNameLen)
	}
	switch {
	case slug == "":
		fields["slug"] = "slug is required"
	case len(slug) > maxSlugLen:
		fields["slug"] = fmt.Sprintf("slug must be at most %d characters", maxSlugLen)
	case !slugPattern.MatchString(slug):
		fields["slug"] = "slug may contain only letters, digits, hyphens and underscores"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
