package store

import (
	"errors"

	"titledb/pkg/domain"
)

// ErrDuplicateKey is returned when a write violates a storage uniqueness
// constraint (username, email, or the one-review-per-author-per-title
// index). Callers translate it into a field-level conflict.
var ErrDuplicateKey = errors.New("duplicate key")

// ErrSlugNotFound is returned when a write references a category or genre
// slug that does not resolve.
var ErrSlugNotFound = errors.New("slug not found")

// TitleFilter narrows ListTitles. Zero values mean "no filter";
// Name matches as a substring, the others match exactly.
type TitleFilter struct {
	Category string
	Genre    string
	Name     string
	Year     int
}

// Store defines persistence for users, the catalog, reviews and comments.
// Uniqueness and cascade semantics live here, not in the application
// layer, so concurrent writers cannot race past a pre-check.
type Store interface {
	// users
	CreateUser(domain.User) error
	SaveUser(domain.User) error
	GetUserByID(id string) (domain.User, bool, error)
	GetUserByUsername(username string) (domain.User, bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	ListUsers() ([]domain.User, error)
	DeleteUser(id string) (bool, error)
	// SetConfirmationHash stores the hash of a freshly issued
	// confirmation secret, replacing any previous one.
	SetConfirmationHash(userID, hash string) error
	// ClearConfirmationHash erases the stored hash only if it still
	// equals expected. Returns false when a concurrent consumer got
	// there first.
	ClearConfirmationHash(userID, expected string) (bool, error)

	// categories
	CreateCategory(domain.Category) error
	ListCategories(search string) ([]domain.Category, error)
	GetCategoryBySlug(slug string) (domain.Category, bool, error)
	DeleteCategory(slug string) (bool, error)

	// genres
	CreateGenre(domain.Genre) error
	ListGenres(search string) ([]domain.Genre, error)
	GetGenreBySlug(slug string) (domain.Genre, bool, error)
	DeleteGenre(slug string) (bool, error)

	// titles
	CreateTitle(t domain.Title, categorySlug string, genreSlugs []string) (domain.Title, error)
	// UpdateTitle rewrites scalar fields; a non-empty categorySlug
	// re-points the category and a non-nil genreSlugs replaces the whole
	// association set.
	UpdateTitle(t domain.Title, categorySlug string, genreSlugs []string) (domain.Title, error)
	GetTitle(id int64) (domain.Title, bool, error)
	ListTitles(f TitleFilter) ([]domain.Title, error)
	DeleteTitle(id int64) (bool, error)

	// reviews
	CreateReview(domain.Review) (domain.Review, error)
	GetReview(titleID, reviewID int64) (domain.Review, bool, error)
	ListReviews(titleID int64) ([]domain.Review, error)
	SaveReview(domain.Review) error
	DeleteReview(titleID, reviewID int64) (bool, error)
	// TitleRating returns the mean review score, or nil with no reviews.
	TitleRating(titleID int64) (*float64, error)
	HasReviewByAuthor(titleID int64, authorID string) (bool, error)

	// comments
	CreateComment(domain.Comment) (domain.Comment, error)
	GetComment(reviewID, commentID int64) (domain.Comment, bool, error)
	ListComments(reviewID int64) ([]domain.Comment, error)
	SaveComment(domain.Comment) error
	DeleteComment(reviewID, commentID int64) (bool, error)
}

// TokenStore signs and validates bearer access tokens and generates the
// single-use confirmation codes exchanged for them.
type TokenStore interface {
	NewAccessToken(userID string, role domain.Role) (string, error)
	UserIDByToken(token string) (string, bool, error)
	NewConfirmationCode(userID string) (string, error)
}
