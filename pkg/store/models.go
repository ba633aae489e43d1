package store

import "time"

// GORM models used for persistence. Cascade and nullify behavior is
// declared on the foreign keys: deleting a title or user cascades into
// reviews and comments, deleting a category or genre only clears the
// back-reference.
type UserModel struct {
	ID               string    `gorm:"primaryKey"`
	Username         string    `gorm:"size:150;uniqueIndex;not null"`
	Email            string    `gorm:"size:254;uniqueIndex;not null"`
	FirstName        string    `gorm:"size:150"`
	LastName         string    `gorm:"size:150"`
	Bio              string    `gorm:"type:text"`
	Role             string    `gorm:"size:16;not null;index"`
	Superuser        bool      `gorm:"not null;default:false"`
	ConfirmationHash string    `gorm:"type:text"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time
}

func (UserModel) TableName() string { return "users" }

type CategoryModel struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"size:256;not null"`
	Slug string `gorm:"size:50;uniqueIndex;not null"`
}

func (CategoryModel) TableName() string { return "categories" }

type GenreModel struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"size:256;not null"`
	Slug string `gorm:"size:50;uniqueIndex;not null"`
}

func (GenreModel) TableName() string { return "genres" }

type TitleModel struct {
	ID          int64          `gorm:"primaryKey"`
	Name        string         `gorm:"size:256;not null;index"`
	Year        int            `gorm:"not null;index"`
	Description string         `gorm:"type:text"`
	CategoryID  *uint          `gorm:"index"`
	Category    *CategoryModel `gorm:"constraint:OnDelete:SET NULL"`
}

func (TitleModel) TableName() string { return "titles" }

// GenreTitleModel is the explicit title-genre association. The title side
// cascades, the genre side is nulled, so dropping a genre never deletes
// titles.
type GenreTitleModel struct {
	ID      int64       `gorm:"primaryKey"`
	TitleID int64       `gorm:"not null;index"`
	Title   TitleModel  `gorm:"constraint:OnDelete:CASCADE"`
	GenreID *uint       `gorm:"index"`
	Genre   *GenreModel `gorm:"constraint:OnDelete:SET NULL"`
}

func (GenreTitleModel) TableName() string { return "genre_title" }

type ReviewModel struct {
	ID       int64      `gorm:"primaryKey"`
	TitleID  int64      `gorm:"not null;uniqueIndex:idx_author_title"`
	Title    TitleModel `gorm:"constraint:OnDelete:CASCADE"`
	AuthorID string     `gorm:"not null;uniqueIndex:idx_author_title;index"`
	Author   UserModel  `gorm:"foreignKey:AuthorID;constraint:OnDelete:CASCADE"`
	Score    int        `gorm:"not null"`
	Text     string     `gorm:"type:text;not null"`
	PubDate  time.Time  `gorm:"not null;index"`
}

func (ReviewModel) TableName() string { return "reviews" }

type CommentModel struct {
	ID       int64       `gorm:"primaryKey"`
	ReviewID int64       `gorm:"not null;index"`
	Review   ReviewModel `gorm:"constraint:OnDelete:CASCADE"`
	AuthorID string      `gorm:"not null;index"`
	Author   UserModel   `gorm:"foreignKey:AuthorID;constraint:OnDelete:CASCADE"`
	Text     string      `gorm:"type:text;not null"`
	PubDate  time.Time   `gorm:"not null;index"`
}

func (CommentModel) TableName() string { return "comments" }
