package app

import (
	"errors"
	"testing"
	"time"

	"titledb/pkg/domain"
	"titledb/pkg/store"
)

func seedCatalog(t *testing.T, a *App, admin *domain.User) {
	t.Helper()
	for _, c := range [][2]string{{"Books", "books"}, {"Movies", "movies"}} {
		if _, err := a.CreateCategory(admin, c[0], c[1]); err != nil {
			t.Fatalf("create category %s: %v", c[1], err)
		}
	}
	for _, g := range [][2]string{{"Drama", "drama"}, {"Comedy", "comedy"}} {
		if _, err := a.CreateGenre(admin, g[0], g[1]); err != nil {
			t.Fatalf("create genre %s: %v", g[1], err)
		}
	}
}

func TestCategoryWritesAreAdminOnly(t *testing.T) {
	a, st, _ := newTestApp(t)
	plain := addUser(t, st, "bob", domain.RoleUser)

	if _, err := a.CreateCategory(nil, "Books", "books"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("anonymous create error = %v, want ErrPermissionDenied", err)
	}
	if _, err := a.CreateCategory(&plain, "Books", "books"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("plain user create error = %v, want ErrPermissionDenied", err)
	}
	// Anonymous reads are open.
	if _, err := a.ListCategories(nil, ""); err != nil {
		t.Fatalf("anonymous list: %v", err)
	}
}

func TestCreateCategoryValidatesSlug(t *testing.T) {
	a, st, _ := newTestApp(t)
	admin := addUser(t, st, "root", domain.RoleAdmin)

	_, err := a.CreateCategory(&admin, "Books", "no spaces here")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if _, err := a.CreateCategory(&admin, "Books", "books"); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = a.CreateCategory(&admin, "More Books", "books")
	var cerr *ConflictError
	if !errors.As(err, &cerr) || cerr.Field != "slug" {
		t.Fatalf("duplicate slug error = %v, want ConflictError on slug", err)
	}
}

func TestListCategoriesSearchAndOrder(t *testing.T) {
	a, st, _ := newTestApp(t)
	admin := addUser(t, st, "root", domain.RoleAdmin)
	seedCatalog(t, a, &admin)

	all, err := a.ListCategories(nil, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].Slug != "books" || all[1].Slug != "movies" {
		t.Fatalf("categories not ordered by slug: %+v", all)
	}
	hits, err := a.ListCategories(nil, "mov")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].Slug != "movies" {
		t.Fatalf("search results = %+v, want movies only", hits)
	}
}

func TestCreateTitleValidation(t *testing.T) {
	a, st, _ := newTestApp(t)
	admin := addUser(t, st, "root", domain.RoleAdmin)
	seedCatalog(t, a, &admin)
	currentYear := time.Now().UTC().Year()

	cases := []struct {
		name  string
		input TitleInput
		field string
	}{
		{
			"current year rejected",
			TitleInput{Name: "Too Fresh", Year: currentYear, CategorySlug: "books"},
			"year",
		},
		{
			"future year rejected",
			TitleInput{Name: "Prophecy", Year: currentYear + 3, CategorySlug: "books"},
			"year",
		},
		{
			"category required",
			TitleInput{Name: "Orphan", Year: 2020},
			"category",
		},
		{
			"unknown category",
			TitleInput{Name: "Lost", Year: 2020, CategorySlug: "podcasts"},
			"category",
		},
		{
			"unknown genre",
			TitleInput{Name: "Odd", Year: 2020, CategorySlug: "books", GenreSlugs: []string{"drama", "noir"}},
			"genre",
		},
		{
			"name required",
			TitleInput{Year: 2020, CategorySlug: "books"},
			"name",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.CreateTitle(&admin, tc.input)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error = %v, want ValidationError", err)
			}
			if _, ok := verr.Fields[tc.field]; !ok {
				t.Fatalf("validation error does not name %s: %v", tc.field, verr)
			}
		})
	}

	title, err := a.CreateTitle(&admin, TitleInput{
		Name:         "Ласточка",
		Year:         currentYear - 1,
		CategorySlug: "books",
		GenreSlugs:   []string{"drama"},
	})
	if err != nil {
		t.Fatalf("create valid title: %v", err)
	}
	if title.ID == 0 || title.Category == nil || title.Category.Slug != "books" {
		t.Fatalf("unexpected title: %+v", title)
	}
	if title.Rating != nil {
		t.Fatalf("rating = %v, want nil with zero reviews", *title.Rating)
	}
}

func TestUpdateTitleReplacesGenresWholesale(t *testing.T) {
	a, st, _ := newTestApp(t)
	admin := addUser(t, st, "root", domain.RoleAdmin)
	seedCatalog(t, a, &admin)

	title, err := a.CreateTitle(&admin, TitleInput{
		Name: "Thing", Year: 2020, CategorySlug: "books", GenreSlugs: []string{"drama", "comedy"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	updated, err := a.UpdateTitle(&admin, title.ID, TitleInput{
		Name: "Thing", Year: 2020, CategorySlug: "movies", GenreSlugs: []string{"comedy"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Category == nil || updated.Category.Slug != "movies" {
		t.Fatalf("category not re-pointed: %+v", updated.Category)
	}
	if len(updated.Genres) != 1 || updated.Genres[0].Slug != "comedy" {
		t.Fatalf("genres = %+v, want full replacement with comedy", updated.Genres)
	}
}

func TestDeleteCategoryNullsTitleReference(t *testing.T) {
	a, st, _ := newTestApp(t)
	admin := addUser(t, st, "root", domain.RoleAdmin)
	seedCatalog(t, a, &admin)

	title, err := a.CreateTitle(&admin, TitleInput{
		Name: "Survivor", Year: 2020, CategorySlug: "books", GenreSlugs: []string{"drama"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := a.DeleteCategory(&admin, "books"); err != nil {
		t.Fatalf("delete category: %v", err)
	}
	got, err := a.GetTitle(nil, title.ID)
	if err != nil {
		t.Fatalf("title must survive its category: %v", err)
	}
	if got.Category != nil {
		t.Fatalf("category = %+v, want nil after category delete", got.Category)
	}
}

func TestDeleteGenreDropsAssociationOnly(t *testing.T) {
	a, st, _ := newTestApp(t)
	admin := addUser(t, st, "root", domain.RoleAdmin)
	seedCatalog(t, a, &admin)

	title, err := a.CreateTitle(&admin, TitleInput{
		Name: "Mixed", Year: 2020, CategorySlug: "books", GenreSlugs: []string{"drama", "comedy"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := a.DeleteGenre(&admin, "drama"); err != nil {
		t.Fatalf("delete genre: %v", err)
	}
	got, err := a.GetTitle(nil, title.ID)
	if err != nil {
		t.Fatalf("get title: %v", err)
	}
	if len(got.Genres) != 1 || got.Genres[0].Slug != "comedy" {
		t.Fatalf("genres = %+v, want comedy only", got.Genres)
	}
}

func TestListTitlesFilters(t *testing.T) {
	a, st, _ := newTestApp(t)
	admin := addUser(t, st, "root", domain.RoleAdmin)
	seedCatalog(t, a, &admin)

	seed := []TitleInput{
		{Name: "War and Peace", Year: 1869, CategorySlug: "books", GenreSlugs: []string{"drama"}},
		{Name: "Some Like It Hot", Year: 1959, CategorySlug: "movies", GenreSlugs: []string{"comedy"}},
		{Name: "Peace Talks", Year: 2020, CategorySlug: "books", GenreSlugs: []string{"comedy"}},
	}
	for _, in := range seed {
		if _, err := a.CreateTitle(&admin, in); err != nil {
			t.Fatalf("seed %s: %v", in.Name, err)
		}
	}

	cases := []struct {
		name   string
		filter store.TitleFilter
		want   int
	}{
		{"no filter", store.TitleFilter{}, 3},
		{"by category", store.TitleFilter{Category: "books"}, 2},
		{"by genre", store.TitleFilter{Genre: "comedy"}, 2},
		{"by name substring", store.TitleFilter{Name: "Peace"}, 2},
		{"by year", store.TitleFilter{Year: 1959}, 1},
		{"combined", store.TitleFilter{Category: "books", Genre: "comedy"}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := a.ListTitles(nil, tc.filter)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != tc.want {
				t.Fatalf("results = %d, want %d: %+v", len(got), tc.want, got)
			}
		})
	}
}

func TestGetTitleNotFound(t *testing.T) {
	a, _, _ := newTestApp(t)
	if _, err := a.GetTitle(nil, 404); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}
