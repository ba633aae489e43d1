package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"titledb/pkg/domain"
)

func seedUser(t *testing.T, m *MemoryStore, id, username string) domain.User {
	t.Helper()
	u := domain.User{
		ID:       id,
		Username: username,
		Email:    username + "@example.com",
		Role:     domain.RoleUser,
	}
	if err := m.CreateUser(u); err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return u
}

func seedStoreTitle(t *testing.T, m *MemoryStore, genres ...string) domain.Title {
	t.Helper()
	if err := m.CreateCategory(domain.Category{Name: "Books", Slug: "books"}); err != nil && !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("create category: %v", err)
	}
	for _, g := range genres {
		if err := m.CreateGenre(domain.Genre{Name: g, Slug: g}); err != nil && !errors.Is(err, ErrDuplicateKey) {
			t.Fatalf("create genre %s: %v", g, err)
		}
	}
	title, err := m.CreateTitle(domain.Title{Name: "Anthill", Year: 2020}, "books", genres)
	if err != nil {
		t.Fatalf("create title: %v", err)
	}
	return title
}

func TestMemoryStoreUserUniqueness(t *testing.T) {
	m := NewMemoryStore()
	seedUser(t, m, "u1", "alice")

	err := m.CreateUser(domain.User{ID: "u2", Username: "alice", Email: "x@example.com"})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("duplicate username error = %v, want ErrDuplicateKey", err)
	}
	err = m.CreateUser(domain.User{ID: "u3", Username: "bob", Email: "alice@example.com"})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("duplicate email error = %v, want ErrDuplicateKey", err)
	}
}

func TestMemoryStoreConcurrentDuplicateReviews(t *testing.T) {
	m := NewMemoryStore()
	seedUser(t, m, "u1", "alice")
	title := seedStoreTitle(t, m)

	const attempts = 16
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(score int) {
			defer wg.Done()
			_, err := m.CreateReview(domain.Review{
				TitleID:  title.ID,
				AuthorID: "u1",
				Score:    score%10 + 1,
				Text:     "racing",
				PubDate:  time.Now().UTC(),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	var created, duplicates int
	for err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrDuplicateKey):
			duplicates++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if created != 1 || duplicates != attempts-1 {
		t.Fatalf("created = %d, duplicates = %d; want exactly one winner", created, duplicates)
	}
}

func TestMemoryStoreClearConfirmationHashIsConditional(t *testing.T) {
	m := NewMemoryStore()
	seedUser(t, m, "u1", "alice")
	if err := m.SetConfirmationHash("u1", "hash-a"); err != nil {
		t.Fatalf("set hash: %v", err)
	}

	if ok, err := m.ClearConfirmationHash("u1", "hash-b"); err != nil || ok {
		t.Fatalf("mismatched clear = (%v, %v), want no-op", ok, err)
	}
	if ok, err := m.ClearConfirmationHash("u1", "hash-a"); err != nil || !ok {
		t.Fatalf("matching clear = (%v, %v), want success", ok, err)
	}
	// Second clear of the same value finds nothing.
	if ok, err := m.ClearConfirmationHash("u1", "hash-a"); err != nil || ok {
		t.Fatalf("repeat clear = (%v, %v), want no-op", ok, err)
	}

	user, _, err := m.GetUserByID("u1")
	if err != nil || user.ConfirmationHash != "" {
		t.Fatalf("hash = %q, want cleared", user.ConfirmationHash)
	}
}

func TestMemoryStoreDeleteUserCascades(t *testing.T) {
	m := NewMemoryStore()
	seedUser(t, m, "u1", "alice")
	seedUser(t, m, "u2", "bob")
	title := seedStoreTitle(t, m)

	review, err := m.CreateReview(domain.Review{TitleID: title.ID, AuthorID: "u1", Score: 8, PubDate: time.Now()})
	if err != nil {
		t.Fatalf("create review: %v", err)
	}
	if _, err := m.CreateComment(domain.Comment{ReviewID: review.ID, AuthorID: "u2", Text: "hi", PubDate: time.Now()}); err != nil {
		t.Fatalf("create comment: %v", err)
	}

	if _, err := m.DeleteUser("u1"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if _, found, _ := m.GetReview(title.ID, review.ID); found {
		t.Fatal("review must be cascaded with its author")
	}
	comments, err := m.ListComments(review.ID)
	if err != nil {
		t.Fatalf("list comments: %v", err)
	}
	if len(comments) != 0 {
		t.Fatalf("comments = %d, want cascaded to zero", len(comments))
	}
}

func TestMemoryStoreCategoryDeleteNullifies(t *testing.T) {
	m := NewMemoryStore()
	title := seedStoreTitle(t, m, "drama")

	if _, err := m.DeleteCategory("books"); err != nil {
		t.Fatalf("delete category: %v", err)
	}
	got, found, err := m.GetTitle(title.ID)
	if err != nil || !found {
		t.Fatalf("title lost after category delete: %v", err)
	}
	if got.Category != nil {
		t.Fatalf("category = %+v, want nil", got.Category)
	}

	if _, err := m.DeleteGenre("drama"); err != nil {
		t.Fatalf("delete genre: %v", err)
	}
	got, _, _ = m.GetTitle(title.ID)
	if len(got.Genres) != 0 {
		t.Fatalf("genres = %+v, want emptied", got.Genres)
	}
}

func TestMemoryStoreTitleRating(t *testing.T) {
	m := NewMemoryStore()
	title := seedStoreTitle(t, m)

	avg, err := m.TitleRating(title.ID)
	if err != nil {
		t.Fatalf("rating: %v", err)
	}
	if avg != nil {
		t.Fatalf("rating = %v, want nil with zero reviews", *avg)
	}

	for i, score := range []int{8, 6, 7} {
		seedUser(t, m, fmt.Sprintf("u%d", i), fmt.Sprintf("reader%d", i))
		if _, err := m.CreateReview(domain.Review{
			TitleID: title.ID, AuthorID: fmt.Sprintf("u%d", i), Score: score, PubDate: time.Now(),
		}); err != nil {
			t.Fatalf("review %d: %v", i, err)
		}
	}
	avg, err = m.TitleRating(title.ID)
	if err != nil {
		t.Fatalf("rating: %v", err)
	}
	if avg == nil || *avg != 7 {
		t.Fatalf("avg = %v, want 7", avg)
	}
}

func TestMemoryStoreHasReviewByAuthor(t *testing.T) {
	m := NewMemoryStore()
	seedUser(t, m, "u1", "alice")
	title := seedStoreTitle(t, m)

	if ok, _ := m.HasReviewByAuthor(title.ID, "u1"); ok {
		t.Fatal("no review yet")
	}
	if _, err := m.CreateReview(domain.Review{TitleID: title.ID, AuthorID: "u1", Score: 5, PubDate: time.Now()}); err != nil {
		t.Fatalf("create review: %v", err)
	}
	if ok, _ := m.HasReviewByAuthor(title.ID, "u1"); !ok {
		t.Fatal("review not visible through HasReviewByAuthor")
	}
}
