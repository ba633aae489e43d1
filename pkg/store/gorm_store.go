package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"titledb/pkg/domain"
)

const migrateLockID int64 = 84118411

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations. TranslateError is
// enabled so unique-index violations surface as gorm.ErrDuplicatedKey and
// can be mapped to ErrDuplicateKey.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&UserModel{},
			&CategoryModel{},
			&GenreModel{},
			&TitleModel{},
			&GenreTitleModel{},
			&ReviewModel{},
			&CommentModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

func translateDup(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
	}
	return err
}

// CreateUser inserts a new user. Username/email collisions, including
// those raced in by a concurrent request, come back as ErrDuplicateKey.
func (s *GormStore) CreateUser(u domain.User) error {
	model := userToModel(u)
	return translateDup(s.db.Create(&model).Error)
}

// SaveUser rewrites an existing user record.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return translateDup(s.db.Save(&model).Error)
}

func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	return s.getUser("id = ?", id)
}

func (s *GormStore) GetUserByUsername(username string) (domain.User, bool, error) {
	return s.getUser("username = ?", username)
}

func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	return s.getUser("email = ?", email)
}

func (s *GormStore) getUser(query string, arg any) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where(query, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// ListUsers returns all users ordered by username.
func (s *GormStore) ListUsers() ([]domain.User, error) {
	var models []UserModel
	if err := s.db.Order("username ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

// DeleteUser removes a user; dependent reviews and comments go with it
// via FK cascade.
func (s *GormStore) DeleteUser(id string) (bool, error) {
	res := s.db.Delete(&UserModel{}, "id = ?", id)
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) SetConfirmationHash(userID, hash string) error {
	return s.db.Model(&UserModel{}).Where("id = ?", userID).
		Updates(map[string]any{
			"confirmation_hash": hash,
			"updated_at":        time.Now().UTC(),
		}).Error
}

// ClearConfirmationHash erases the hash with a compare-and-clear update so
// two concurrent confirm requests cannot both consume one secret.
func (s *GormStore) ClearConfirmationHash(userID, expected string) (bool, error) {
	res := s.db.Model(&UserModel{}).
		Where("id = ? AND confirmation_hash = ?", userID, expected).
		Update("confirmation_hash", "")
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) CreateCategory(c domain.Category) error {
	model := CategoryModel{Name: c.Name, Slug: c.Slug}
	return translateDup(s.db.Create(&model).Error)
}

func (s *GormStore) ListCategories(search string) ([]domain.Category, error) {
	var models []CategoryModel
	tx := s.db.Order("slug ASC")
	if search != "" {
		tx = tx.Where("name ILIKE ?", "%"+search+"%")
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Category, 0, len(models))
	for _, m := range models {
		res = append(res, domain.Category{Name: m.Name, Slug: m.Slug})
	}
	return res, nil
}

func (s *GormStore) GetCategoryBySlug(slug string) (domain.Category, bool, error) {
	var model CategoryModel
	if err := s.db.Where("slug = ?", slug).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Category{}, false, nil
		}
		return domain.Category{}, false, err
	}
	return domain.Category{Name: model.Name, Slug: model.Slug}, true, nil
}

// DeleteCategory drops the category; titles keep existing with a nulled
// category reference.
func (s *GormStore) DeleteCategory(slug string) (bool, error) {
	res := s.db.Delete(&CategoryModel{}, "slug = ?", slug)
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) CreateGenre(g domain.Genre) error {
	model := GenreModel{Name: g.Name, Slug: g.Slug}
	return translateDup(s.db.Create(&model).Error)
}

func (s *GormStore) ListGenres(search string) ([]domain.Genre, error) {
	var models []GenreModel
	tx := s.db.Order("slug ASC")
	if search != "" {
		tx = tx.Where("name ILIKE ?", "%"+search+"%")
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Genre, 0, len(models))
	for _, m := range models {
		res = append(res, domain.Genre{Name: m.Name, Slug: m.Slug})
	}
	return res, nil
}

func (s *GormStore) GetGenreBySlug(slug string) (domain.Genre, bool, error) {
	var model GenreModel
	if err := s.db.Where("slug = ?", slug).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Genre{}, false, nil
		}
		return domain.Genre{}, false, err
	}
	return domain.Genre{Name: model.Name, Slug: model.Slug}, true, nil
}

func (s *GormStore) DeleteGenre(slug string) (bool, error) {
	res := s.db.Delete(&GenreModel{}, "slug = ?", slug)
	return res.RowsAffected > 0, res.Error
}

// CreateTitle persists the title and its genre associations in one
// transaction. Slugs are resolved inside the transaction so a category or
// genre deleted mid-flight fails the whole write.
func (s *GormStore) CreateTitle(t domain.Title, categorySlug string, genreSlugs []string) (domain.Title, error) {
	var created int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		categoryID, err := resolveCategoryID(tx, categorySlug)
		if err != nil {
			return err
		}
		genreIDs, err := resolveGenreIDs(tx, genreSlugs)
		if err != nil {
			return err
		}
		model := TitleModel{
			Name:        t.Name,
			Year:        t.Year,
			Description: t.Description,
			CategoryID:  &categoryID,
		}
		if err := tx.Create(&model).Error; err != nil {
			return translateDup(err)
		}
		if err := replaceGenreLinks(tx, model.ID, genreIDs); err != nil {
			return err
		}
		created = model.ID
		return nil
	})
	if err != nil {
		return domain.Title{}, err
	}
	title, _, err := s.GetTitle(created)
	return title, err
}

// UpdateTitle rewrites the scalar fields and, when genreSlugs is non-nil,
// replaces the full association set rather than merging.
func (s *GormStore) UpdateTitle(t domain.Title, categorySlug string, genreSlugs []string) (domain.Title, error) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var model TitleModel
		if err := tx.First(&model, "id = ?", t.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return gorm.ErrRecordNotFound
			}
			return err
		}
		model.Name = t.Name
		model.Year = t.Year
		model.Description = t.Description
		if categorySlug != "" {
			categoryID, err := resolveCategoryID(tx, categorySlug)
			if err != nil {
				return err
			}
			model.CategoryID = &categoryID
		}
		if err := tx.Save(&model).Error; err != nil {
			return err
		}
		if genreSlugs != nil {
			genreIDs, err := resolveGenreIDs(tx, genreSlugs)
			if err != nil {
				return err
			}
			if err := replaceGenreLinks(tx, model.ID, genreIDs); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Title{}, err
	}
	title, _, err := s.GetTitle(t.ID)
	return title, err
}

func resolveCategoryID(tx *gorm.DB, slug string) (uint, error) {
	var model CategoryModel
	if err := tx.Where("slug = ?", slug).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("category %q: %w", slug, ErrSlugNotFound)
		}
		return 0, err
	}
	return model.ID, nil
}

func resolveGenreIDs(tx *gorm.DB, slugs []string) ([]uint, error) {
	ids := make([]uint, 0, len(slugs))
	for _, slug := range slugs {
		var model GenreModel
		if err := tx.Where("slug = ?", slug).First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("genre %q: %w", slug, ErrSlugNotFound)
			}
			return nil, err
		}
		ids = append(ids, model.ID)
	}
	return ids, nil
}

func replaceGenreLinks(tx *gorm.DB, titleID int64, genreIDs []uint) error {
	if err := tx.Delete(&GenreTitleModel{}, "title_id = ?", titleID).Error; err != nil {
		return err
	}
	for _, id := range genreIDs {
		genreID := id
		link := GenreTitleModel{TitleID: titleID, GenreID: &genreID}
		if err := tx.Create(&link).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *GormStore) GetTitle(id int64) (domain.Title, bool, error) {
	var model TitleModel
	if err := s.db.Preload("Category").First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Title{}, false, nil
		}
		return domain.Title{}, false, err
	}
	title := titleFromModel(model)
	genres, err := s.titleGenres(id)
	if err != nil {
		return domain.Title{}, false, err
	}
	title.Genres = genres
	avg, err := s.TitleRating(id)
	if err != nil {
		return domain.Title{}, false, err
	}
	title.Rating = roundedRating(avg)
	return title, true, nil
}

// ListTitles applies the filter and returns titles ordered by name, each
// with its genres and derived rating attached.
func (s *GormStore) ListTitles(f TitleFilter) ([]domain.Title, error) {
	tx := s.db.Model(&TitleModel{}).Preload("Category").Order("titles.name ASC")
	if f.Category != "" {
		tx = tx.Joins("JOIN categories ON categories.id = titles.category_id").
			Where("categories.slug = ?", f.Category)
	}
	if f.Genre != "" {
		tx = tx.Joins("JOIN genre_title ON genre_title.title_id = titles.id").
			Joins("JOIN genres ON genres.id = genre_title.genre_id").
			Where("genres.slug = ?", f.Genre).
			Distinct("titles.*")
	}
	if f.Name != "" {
		tx = tx.Where("titles.name ILIKE ?", "%"+f.Name+"%")
	}
	if f.Year != 0 {
		tx = tx.Where("titles.year = ?", f.Year)
	}
	var models []TitleModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	titles := make([]domain.Title, 0, len(models))
	for _, m := range models {
		title := titleFromModel(m)
		genres, err := s.titleGenres(m.ID)
		if err != nil {
			return nil, err
		}
		title.Genres = genres
		avg, err := s.TitleRating(m.ID)
		if err != nil {
			return nil, err
		}
		title.Rating = roundedRating(avg)
		titles = append(titles, title)
	}
	return titles, nil
}

func (s *GormStore) titleGenres(titleID int64) ([]domain.Genre, error) {
	var models []GenreModel
	if err := s.db.Model(&GenreModel{}).
		Joins("JOIN genre_title ON genre_title.genre_id = genres.id").
		Where("genre_title.title_id = ?", titleID).
		Order("genres.slug ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	genres := make([]domain.Genre, 0, len(models))
	for _, m := range models {
		genres = append(genres, domain.Genre{Name: m.Name, Slug: m.Slug})
	}
	return genres, nil
}

func (s *GormStore) DeleteTitle(id int64) (bool, error) {
	res := s.db.Delete(&TitleModel{}, "id = ?", id)
	return res.RowsAffected > 0, res.Error
}

// CreateReview inserts a review. A second review by the same author for
// the same title trips the composite unique index and comes back as
// ErrDuplicateKey, also under concurrent duplicate attempts.
func (s *GormStore) CreateReview(r domain.Review) (domain.Review, error) {
	model := ReviewModel{
		TitleID:  r.TitleID,
		AuthorID: r.AuthorID,
		Score:    r.Score,
		Text:     r.Text,
		PubDate:  r.PubDate,
	}
	if err := s.db.Create(&model).Error; err != nil {
		return domain.Review{}, translateDup(err)
	}
	return s.loadReview(model.ID)
}

func (s *GormStore) loadReview(id int64) (domain.Review, error) {
	var model ReviewModel
	if err := s.db.Preload("Author").First(&model, "id = ?", id).Error; err != nil {
		return domain.Review{}, err
	}
	return reviewFromModel(model), nil
}

func (s *GormStore) GetReview(titleID, reviewID int64) (domain.Review, bool, error) {
	var model ReviewModel
	if err := s.db.Preload("Author").
		Where("title_id = ? AND id = ?", titleID, reviewID).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Review{}, false, nil
		}
		return domain.Review{}, false, err
	}
	return reviewFromModel(model), true, nil
}

// ListReviews returns a title's reviews newest first.
func (s *GormStore) ListReviews(titleID int64) ([]domain.Review, error) {
	var models []ReviewModel
	if err := s.db.Preload("Author").
		Where("title_id = ?", titleID).
		Order("pub_date DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Review, 0, len(models))
	for _, m := range models {
		res = append(res, reviewFromModel(m))
	}
	return res, nil
}

func (s *GormStore) SaveReview(r domain.Review) error {
	return s.db.Model(&ReviewModel{}).Where("id = ?", r.ID).
		Updates(map[string]any{
			"score": r.Score,
			"text":  r.Text,
		}).Error
}

func (s *GormStore) DeleteReview(titleID, reviewID int64) (bool, error) {
	res := s.db.Delete(&ReviewModel{}, "title_id = ? AND id = ?", titleID, reviewID)
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) TitleRating(titleID int64) (*float64, error) {
	var avg sql.NullFloat64
	if err := s.db.Model(&ReviewModel{}).
		Where("title_id = ?", titleID).
		Select("AVG(score)").
		Scan(&avg).Error; err != nil {
		return nil, err
	}
	if !avg.Valid {
		return nil, nil
	}
	return &avg.Float64, nil
}

func (s *GormStore) HasReviewByAuthor(titleID int64, authorID string) (bool, error) {
	var count int64
	if err := s.db.Model(&ReviewModel{}).
		Where("title_id = ? AND author_id = ?", titleID, authorID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *GormStore) CreateComment(c domain.Comment) (domain.Comment, error) {
	model := CommentModel{
		ReviewID: c.ReviewID,
		AuthorID: c.AuthorID,
		Text:     c.Text,
		PubDate:  c.PubDate,
	}
	if err := s.db.Create(&model).Error; err != nil {
		return domain.Comment{}, err
	}
	var loaded CommentModel
	if err := s.db.Preload("Author").First(&loaded, "id = ?", model.ID).Error; err != nil {
		return domain.Comment{}, err
	}
	return commentFromModel(loaded), nil
}

func (s *GormStore) GetComment(reviewID, commentID int64) (domain.Comment, bool, error) {
	var model CommentModel
	if err := s.db.Preload("Author").
		Where("review_id = ? AND id = ?", reviewID, commentID).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Comment{}, false, nil
		}
		return domain.Comment{}, false, err
	}
	return commentFromModel(model), true, nil
}

// ListComments returns a review's comments newest first.
func (s *GormStore) ListComments(reviewID int64) ([]domain.Comment, error) {
	var models []CommentModel
	if err := s.db.Preload("Author").
		Where("review_id = ?", reviewID).
		Order("pub_date DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Comment, 0, len(models))
	for _, m := range models {
		res = append(res, commentFromModel(m))
	}
	return res, nil
}

func (s *GormStore) SaveComment(c domain.Comment) error {
	return s.db.Model(&CommentModel{}).Where("id = ?", c.ID).
		Update("text", c.Text).Error
}

func (s *GormStore) DeleteComment(reviewID, commentID int64) (bool, error) {
	res := s.db.Delete(&CommentModel{}, "review_id = ? AND id = ?", reviewID, commentID)
	return res.RowsAffected > 0, res.Error
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:               u.ID,
		Username:         u.Username,
		Email:            u.Email,
		FirstName:        u.FirstName,
		LastName:         u.LastName,
		Bio:              u.Bio,
		Role:             string(u.Role),
		Superuser:        u.Superuser,
		ConfirmationHash: u.ConfirmationHash,
		CreatedAt:        u.CreatedAt,
		UpdatedAt:        u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	role := domain.Role(m.Role)
	if role == "" {
		role = domain.RoleUser
	}
	return domain.User{
		ID:               m.ID,
		Username:         m.Username,
		Email:            m.Email,
		FirstName:        m.FirstName,
		LastName:         m.LastName,
		Bio:              m.Bio,
		Role:             role,
		Superuser:        m.Superuser,
		ConfirmationHash: m.ConfirmationHash,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func titleFromModel(m TitleModel) domain.Title {
	title := domain.Title{
		ID:          m.ID,
		Name:        m.Name,
		Year:        m.Year,
		Description: m.Description,
	}
	if m.Category != nil {
		title.Category = &domain.Category{Name: m.Category.Name, Slug: m.Category.Slug}
	}
	return title
}

func reviewFromModel(m ReviewModel) domain.Review {
	return domain.Review{
		ID:       m.ID,
		TitleID:  m.TitleID,
		AuthorID: m.AuthorID,
		Author:   m.Author.Username,
		Score:    m.Score,
		Text:     m.Text,
		PubDate:  m.PubDate,
	}
}

func commentFromModel(m CommentModel) domain.Comment {
	return domain.Comment{
		ID:       m.ID,
		ReviewID: m.ReviewID,
		AuthorID: m.AuthorID,
		Author:   m.Author.Username,
		Text:     m.Text,
		PubDate:  m.PubDate,
	}
}
