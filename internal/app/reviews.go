package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"titledb/pkg/domain"
	"titledb/pkg/perm"
	"titledb/pkg/store"
)

// ListReviews returns a title's reviews newest-first, open to anonymous
// callers.
func (a *App) ListReviews(actor *domain.User, titleID int64) ([]domain.Review, error) {
	if !a.contentPolicy.Allow(actor, perm.ActionRead, "") {
		return nil, ErrPermissionDenied
	}
	if err := a.requireTitle(titleID); err != nil {
		return nil, err
	}
	return a.store.ListReviews(titleID)
}

// GetReview returns one review scoped to its title.
func (a *App) GetReview(actor *domain.User, titleID, reviewID int64) (domain.Review, error) {
	if !a.contentPolicy.Allow(actor, perm.ActionRead, "") {
		return domain.Review{}, ErrPermissionDenied
	}
	review, found, err := a.store.GetReview(titleID, reviewID)
	if err != nil {
		return domain.Review{}, fmt.Errorf("fetch review: %w", err)
	}
	if !found {
		return domain.Review{}, ErrNotFound
	}
	return review, nil
}

// CreateReview persists the actor's review of a title. At most one review
// per (author, title) can ever exist; the storage constraint closes the
// race two concurrent creates would otherwise win together.
func (a *App) CreateReview(actor *domain.User, titleID int64, score int, text string) (domain.Review, error) {
	if !a.contentPolicy.Allow(actor, perm.ActionCreate, "") {
		return domain.Review{}, ErrPermissionDenied
	}
	if err := validateReviewInput(score, text); err != nil {
		return domain.Review{}, err
	}
	already, err := a.store.HasReviewByAuthor(titleID, actor.ID)
	if err != nil {
		return domain.Review{}, fmt.Errorf("check existing review: %w", err)
	}
	if already {
		return domain.Review{}, &ConflictError{Field: "review"}
	}
	if err := a.requireTitle(titleID); err != nil {
		return domain.Review{}, err
	}
	review := domain.Review{
		TitleID:  titleID,
		AuthorID: actor.ID,
		Author:   actor.Username,
		Score:    score,
		Text:     text,
		PubDate:  time.Now().UTC(),
	}
	created, err := a.store.CreateReview(review)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return domain.Review{}, &ConflictError{Field: "review"}
		}
		return domain.Review{}, fmt.Errorf("create review: %w", err)
	}
	return created, nil
}

// UpdateReview edits a review's score and text. Only the author, a
// moderator or an admin may modify it.
func (a *App) UpdateReview(actor *domain.User, titleID, reviewID int64, score int, text string) (domain.Review, error) {
	review, found, err := a.store.GetReview(titleID, reviewID)
	if err != nil {
		return domain.Review{}, fmt.Errorf("fetch review: %w", err)
	}
	if !found {
		return domain.Review{}, ErrNotFound
	}
	if !a.contentPolicy.Allow(actor, perm.ActionModify, review.AuthorID) {
		return domain.Review{}, ErrPermissionDenied
	}
	if err := validateReviewInput(score, text); err != nil {
		return domain.Review{}, err
	}
	review.Score = score
	review.Text = text
	if err := a.store.SaveReview(review); err != nil {
		return domain.Review{}, fmt.Errorf("update review: %w", err)
	}
	return review, nil
}

// DeleteReview removes a review and cascades its comments.
func (a *App) DeleteReview(actor *domain.User, titleID, reviewID int64) error {
	review, found, err := a.store.GetReview(titleID, reviewID)
	if err != nil {
		return fmt.Errorf("fetch review: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	if !a.contentPolicy.Allow(actor, perm.ActionModify, review.AuthorID) {
		return ErrPermissionDenied
	}
	deleted, err := a.store.DeleteReview(titleID, reviewID)
	if err != nil {
		return fmt.Errorf("delete review: %w", err)
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}

// ListComments returns a review's comments newest-first.
func (a *App) ListComments(actor *domain.User, titleID, reviewID int64) ([]domain.Comment, error) {
	if !a.contentPolicy.Allow(actor, perm.ActionRead, "") {
		return nil, ErrPermissionDenied
	}
	if _, err := a.GetReview(actor, titleID, reviewID); err != nil {
		return nil, err
	}
	return a.store.ListComments(reviewID)
}

// GetComment returns one comment scoped to its review.
func (a *App) GetComment(actor *domain.User, titleID, reviewID, commentID int64) (domain.Comment, error) {
	if !a.contentPolicy.Allow(actor, perm.ActionRead, "") {
		return domain.Comment{}, ErrPermissionDenied
	}
	if _, err := a.GetReview(actor, titleID, reviewID); err != nil {
		return domain.Comment{}, err
	}
	comment, found, err := a.store.GetComment(reviewID, commentID)
	if err != nil {
		return domain.Comment{}, fmt.Errorf("fetch comment: %w", err)
	}
	if !found {
		return domain.Comment{}, ErrNotFound
	}
	return comment, nil
}

// CreateComment attaches a comment to an existing review.
func (a *App) CreateComment(actor *domain.User, titleID, reviewID int64, text string) (domain.Comment, error) {
	if !a.contentPolicy.Allow(actor, perm.ActionCreate, "") {
		return domain.Comment{}, ErrPermissionDenied
	}
	if strings.TrimSpace(text) == "" {
		return domain.Comment{}, invalidField("text", "text is required")
	}
	if _, found, err := a.store.GetReview(titleID, reviewID); err != nil {
		return domain.Comment{}, fmt.Errorf("fetch review: %w", err)
	} else if !found {
		return domain.Comment{}, ErrNotFound
	}
	comment := domain.Comment{
		ReviewID: reviewID,
		AuthorID: actor.ID,
		Author:   actor.Username,
		Text:     text,
		PubDate:  time.Now().UTC(),
	}
	created, err := a.store.CreateComment(comment)
	if err != nil {
		return domain.Comment{}, fmt.Errorf("create comment: %w", err)
	}
	return created, nil
}

// UpdateComment edits a comment's text under the same ownership rule as
// reviews.
func (a *App) UpdateComment(actor *domain.User, titleID, reviewID, commentID int64, text string) (domain.Comment, error) {
	if _, found, err := a.store.GetReview(titleID, reviewID); err != nil {
		return domain.Comment{}, fmt.Errorf("fetch review: %w", err)
	} else if !found {
		return domain.Comment{}, ErrNotFound
	}
	comment, found, err := a.store.GetComment(reviewID, commentID)
	if err != nil {
		return domain.Comment{}, fmt.Errorf("fetch comment: %w", err)
	}
	if !found {
		return domain.Comment{}, ErrNotFound
	}
	if !a.contentPolicy.Allow(actor, perm.ActionModify, comment.AuthorID) {
		return domain.Comment{}, ErrPermissionDenied
	}
	if strings.TrimSpace(text) == "" {
		return domain.Comment{}, invalidField("text", "text is required")
	}
	comment.Text = text
	if err := a.store.SaveComment(comment); err != nil {
		return domain.Comment{}, fmt.Errorf("update comment: %w", err)
	}
	return comment, nil
}

// DeleteComment removes a comment.
func (a *App) DeleteComment(actor *domain.User, titleID, reviewID, commentID int64) error {
	if _, found, err := a.store.GetReview(titleID, reviewID); err != nil {
		return fmt.Errorf("fetch review: %w", err)
	} else if !found {
		return ErrNotFound
	}
	comment, found, err := a.store.GetComment(reviewID, commentID)
	if err != nil {
		return fmt.Errorf("fetch comment: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	if !a.contentPolicy.Allow(actor, perm.ActionModify, comment.AuthorID) {
		return ErrPermissionDenied
	}
	deleted, err := a.store.DeleteComment(reviewID, commentID)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}

func (a *App) requireTitle(titleID int64) error {
	_, found, err := a.store.GetTitle(titleID)
	if err != nil {
		return fmt.Errorf("fetch title: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func validateReviewInput(score int, text string) error {
	fields := map[string]string{}
	if score < 1 || score > 10 {
		fields["score"] = "score must be between 1 and 10"
	}
	if strings.TrimSpace(text) == "" {
		fields["text"] = "text is required"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
