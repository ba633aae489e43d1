package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"titledb/pkg/domain"
)

// MemoryStore is an in-process Store used by tests and local runs. It
// mirrors the relational store's semantics: uniqueness checks happen
// under the store lock, deletes cascade or nullify exactly as the FK
// declarations do.
type MemoryStore struct {
	mu         sync.Mutex
	users      map[string]domain.User // key: user ID
	categories map[string]domain.Category
	genres     map[string]domain.Genre
	titles     map[int64]*memoryTitle
	reviews    map[int64]domain.Review
	comments   map[int64]domain.Comment

	nextTitleID   int64
	nextReviewID  int64
	nextCommentID int64
}

type memoryTitle struct {
	id           int64
	name         string
	year         int
	description  string
	categorySlug string // empty after the category was deleted
	genreSlugs   []string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]domain.User),
		categories: make(map[string]domain.Category),
		genres:     make(map[string]domain.Genre),
		titles:     make(map[int64]*memoryTitle),
		reviews:    make(map[int64]domain.Review),
		comments:   make(map[int64]domain.Comment),
	}
}

func (m *MemoryStore) CreateUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Username == u.Username {
			return fmt.Errorf("%w: username", ErrDuplicateKey)
		}
		if existing.Email == u.Email {
			return fmt.Errorf("%w: email", ErrDuplicateKey)
		}
	}
	m.users[u.ID] = u
	return nil
}

func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.users {
		if id == u.ID {
			continue
		}
		if existing.Username == u.Username {
			return fmt.Errorf("%w: username", ErrDuplicateKey)
		}
		if existing.Email == u.Email {
			return fmt.Errorf("%w: email", ErrDuplicateKey)
		}
	}
	m.users[u.ID] = u
	return nil
}

func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByUsername(username string) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

func (m *MemoryStore) ListUsers() ([]domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		res = append(res, u)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Username < res[j].Username })
	return res, nil
}

func (m *MemoryStore) DeleteUser(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return false, nil
	}
	delete(m.users, id)
	for rid, r := range m.reviews {
		if r.AuthorID == id {
			m.deleteReviewLocked(rid)
		}
	}
	for cid, c := range m.comments {
		if c.AuthorID == id {
			delete(m.comments, cid)
		}
	}
	return true, nil
}

func (m *MemoryStore) SetConfirmationHash(userID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("user %s not found", userID)
	}
	u.ConfirmationHash = hash
	m.users[userID] = u
	return nil
}

func (m *MemoryStore) ClearConfirmationHash(userID, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || u.ConfirmationHash == "" || u.ConfirmationHash != expected {
		return false, nil
	}
	u.ConfirmationHash = ""
	m.users[userID] = u
	return true, nil
}

func (m *MemoryStore) CreateCategory(c domain.Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.categories[c.Slug]; ok {
		return fmt.Errorf("%w: slug", ErrDuplicateKey)
	}
	m.categories[c.Slug] = c
	return nil
}

func (m *MemoryStore) ListCategories(search string) ([]domain.Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.Category, 0, len(m.categories))
	for _, c := range m.categories {
		if matchesSearch(c.Name, search) {
			res = append(res, c)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Slug < res[j].Slug })
	return res, nil
}

func (m *MemoryStore) GetCategoryBySlug(slug string) (domain.Category, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.categories[slug]
	return c, ok, nil
}

func (m *MemoryStore) DeleteCategory(slug string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.categories[slug]; !ok {
		return false, nil
	}
	delete(m.categories, slug)
	// weak reference: titles survive with the category cleared
	for _, t := range m.titles {
		if t.categorySlug == slug {
			t.categorySlug = ""
		}
	}
	return true, nil
}

func (m *MemoryStore) CreateGenre(g domain.Genre) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.genres[g.Slug]; ok {
		return fmt.Errorf("%w: slug", ErrDuplicateKey)
	}
	m.genres[g.Slug] = g
	return nil
}

func (m *MemoryStore) ListGenres(search string) ([]domain.Genre, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.Genre, 0, len(m.genres))
	for _, g := range m.genres {
		if matchesSearch(g.Name, search) {
			res = append(res, g)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Slug < res[j].Slug })
	return res, nil
}

func (m *MemoryStore) GetGenreBySlug(slug string) (domain.Genre, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.genres[slug]
	return g, ok, nil
}

func (m *MemoryStore) DeleteGenre(slug string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.genres[slug]; !ok {
		return false, nil
	}
	delete(m.genres, slug)
	// association rows keep the title but lose the genre reference
	for _, t := range m.titles {
		kept := t.genreSlugs[:0]
		for _, s := range t.genreSlugs {
			if s != slug {
				kept = append(kept, s)
			}
		}
		t.genreSlugs = kept
	}
	return true, nil
}

func (m *MemoryStore) CreateTitle(t domain.Title, categorySlug string, genreSlugs []string) (domain.Title, error) {
	m.mu.Lock()
	if _, ok := m.categories[categorySlug]; !ok {
		m.mu.Unlock()
		return domain.Title{}, fmt.Errorf("category %q: %w", categorySlug, ErrSlugNotFound)
	}
	for _, slug := range genreSlugs {
		if _, ok := m.genres[slug]; !ok {
			m.mu.Unlock()
			return domain.Title{}, fmt.Errorf("genre %q: %w", slug, ErrSlugNotFound)
		}
	}
	m.nextTitleID++
	id := m.nextTitleID
	m.titles[id] = &memoryTitle{
		id:           id,
		name:         t.Name,
		year:         t.Year,
		description:  t.Description,
		categorySlug: categorySlug,
		genreSlugs:   append([]string(nil), genreSlugs...),
	}
	m.mu.Unlock()
	title, _, err := m.GetTitle(id)
	return title, err
}

func (m *MemoryStore) UpdateTitle(t domain.Title, categorySlug string, genreSlugs []string) (domain.Title, error) {
	m.mu.Lock()
	entry, ok := m.titles[t.ID]
	if !ok {
		m.mu.Unlock()
		return domain.Title{}, fmt.Errorf("title %d not found", t.ID)
	}
	if categorySlug != "" {
		if _, ok := m.categories[categorySlug]; !ok {
			m.mu.Unlock()
			return domain.Title{}, fmt.Errorf("category %q: %w", categorySlug, ErrSlugNotFound)
		}
		entry.categorySlug = categorySlug
	}
	if genreSlugs != nil {
		for _, slug := range genreSlugs {
			if _, ok := m.genres[slug]; !ok {
				m.mu.Unlock()
				return domain.Title{}, fmt.Errorf("genre %q: %w", slug, ErrSlugNotFound)
			}
		}
		entry.genreSlugs = append([]string(nil), genreSlugs...)
	}
	entry.name = t.Name
	entry.year = t.Year
	entry.description = t.Description
	m.mu.Unlock()
	title, _, err := m.GetTitle(t.ID)
	return title, err
}

func (m *MemoryStore) GetTitle(id int64) (domain.Title, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.titles[id]
	if !ok {
		return domain.Title{}, false, nil
	}
	return m.assembleTitleLocked(entry), true, nil
}

func (m *MemoryStore) ListTitles(f TitleFilter) ([]domain.Title, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.Title, 0, len(m.titles))
	for _, entry := range m.titles {
		if f.Category != "" && entry.categorySlug != f.Category {
			continue
		}
		if f.Genre != "" && !containsSlug(entry.genreSlugs, f.Genre) {
			continue
		}
		if f.Name != "" && !matchesSearch(entry.name, f.Name) {
			continue
		}
		if f.Year != 0 && entry.year != f.Year {
			continue
		}
		res = append(res, m.assembleTitleLocked(entry))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (m *MemoryStore) assembleTitleLocked(entry *memoryTitle) domain.Title {
	title := domain.Title{
		ID:          entry.id,
		Name:        entry.name,
		Year:        entry.year,
		Description: entry.description,
	}
	if c, ok := m.categories[entry.categorySlug]; ok {
		category := c
		title.Category = &category
	}
	slugs := append([]string(nil), entry.genreSlugs...)
	sort.Strings(slugs)
	for _, slug := range slugs {
		if g, ok := m.genres[slug]; ok {
			title.Genres = append(title.Genres, g)
		}
	}
	title.Rating = roundedRating(m.titleRatingLocked(entry.id))
	return title
}

func (m *MemoryStore) DeleteTitle(id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.titles[id]; !ok {
		return false, nil
	}
	delete(m.titles, id)
	for rid, r := range m.reviews {
		if r.TitleID == id {
			m.deleteReviewLocked(rid)
		}
	}
	return true, nil
}

func (m *MemoryStore) CreateReview(r domain.Review) (domain.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.reviews {
		if existing.TitleID == r.TitleID && existing.AuthorID == r.AuthorID {
			return domain.Review{}, fmt.Errorf("%w: review", ErrDuplicateKey)
		}
	}
	m.nextReviewID++
	r.ID = m.nextReviewID
	r.Author = m.usernameLocked(r.AuthorID)
	m.reviews[r.ID] = r
	return r, nil
}

func (m *MemoryStore) GetReview(titleID, reviewID int64) (domain.Review, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviews[reviewID]
	if !ok || r.TitleID != titleID {
		return domain.Review{}, false, nil
	}
	r.Author = m.usernameLocked(r.AuthorID)
	return r, true, nil
}

func (m *MemoryStore) ListReviews(titleID int64) ([]domain.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.Review, 0)
	for _, r := range m.reviews {
		if r.TitleID == titleID {
			r.Author = m.usernameLocked(r.AuthorID)
			res = append(res, r)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].PubDate.Equal(res[j].PubDate) {
			return res[i].PubDate.After(res[j].PubDate)
		}
		return res[i].ID > res[j].ID
	})
	return res, nil
}

func (m *MemoryStore) SaveReview(r domain.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.reviews[r.ID]
	if !ok {
		return fmt.Errorf("review %d not found", r.ID)
	}
	existing.Score = r.Score
	existing.Text = r.Text
	m.reviews[r.ID] = existing
	return nil
}

func (m *MemoryStore) DeleteReview(titleID, reviewID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviews[reviewID]
	if !ok || r.TitleID != titleID {
		return false, nil
	}
	m.deleteReviewLocked(reviewID)
	return true, nil
}

func (m *MemoryStore) deleteReviewLocked(reviewID int64) {
	delete(m.reviews, reviewID)
	for cid, c := range m.comments {
		if c.ReviewID == reviewID {
			delete(m.comments, cid)
		}
	}
}

func (m *MemoryStore) TitleRating(titleID int64) (*float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.titleRatingLocked(titleID), nil
}

func (m *MemoryStore) titleRatingLocked(titleID int64) *float64 {
	var sum, count float64
	for _, r := range m.reviews {
		if r.TitleID == titleID {
			sum += float64(r.Score)
			count++
		}
	}
	if count == 0 {
		return nil
	}
	avg := sum / count
	return &avg
}

func (m *MemoryStore) HasReviewByAuthor(titleID int64, authorID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reviews {
		if r.TitleID == titleID && r.AuthorID == authorID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) CreateComment(c domain.Comment) (domain.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCommentID++
	c.ID = m.nextCommentID
	c.Author = m.usernameLocked(c.AuthorID)
	m.comments[c.ID] = c
	return c, nil
}

func (m *MemoryStore) GetComment(reviewID, commentID int64) (domain.Comment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.comments[commentID]
	if !ok || c.ReviewID != reviewID {
		return domain.Comment{}, false, nil
	}
	c.Author = m.usernameLocked(c.AuthorID)
	return c, true, nil
}

func (m *MemoryStore) ListComments(reviewID int64) ([]domain.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.Comment, 0)
	for _, c := range m.comments {
		if c.ReviewID == reviewID {
			c.Author = m.usernameLocked(c.AuthorID)
			res = append(res, c)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].PubDate.Equal(res[j].PubDate) {
			return res[i].PubDate.After(res[j].PubDate)
		}
		return res[i].ID > res[j].ID
	})
	return res, nil
}

func (m *MemoryStore) SaveComment(c domain.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.comments[c.ID]
	if !ok {
		return fmt.Errorf("comment %d not found", c.ID)
	}
	existing.Text = c.Text
	m.comments[c.ID] = existing
	return nil
}

func (m *MemoryStore) DeleteComment(reviewID, commentID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.comments[commentID]
	if !ok || c.ReviewID != reviewID {
		return false, nil
	}
	delete(m.comments, commentID)
	return true, nil
}

func (m *MemoryStore) usernameLocked(userID string) string {
	if u, ok := m.users[userID]; ok {
		return u.Username
	}
	return ""
}

func matchesSearch(value, search string) bool {
	if search == "" {
		return true
	}
	return strings.Contains(strings.ToLower(value), strings.ToLower(search))
}

func containsSlug(slugs []string, slug string) bool {
	for _, s := range slugs {
		if s == slug {
			return true
		}
	}
	return false
}
