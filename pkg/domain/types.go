package domain

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

type User struct {
	ID               string    `json:"-"`
	Username         string    `json:"username"`
	Email            string    `json:"email"`
	FirstName        string    `json:"firstName,omitempty"`
	LastName         string    `json:"lastName,omitempty"`
	Bio              string    `json:"bio,omitempty"`
	Role             Role      `json:"role"`
	Superuser        bool      `json:"-"`
	ConfirmationHash string    `json:"-"`
	CreatedAt        time.Time `json:"-"`
	UpdatedAt        time.Time `json:"-"`
}

// IsAdmin reports admin privileges. Derived from role and the superuser
// flag, never stored separately.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin || u.Superuser
}

func (u User) IsModerator() bool {
	return u.Role == RoleModerator
}

type Category struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type Genre struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type Title struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Year        int       `json:"year"`
	Description string    `json:"description,omitempty"`
	Category    *Category `json:"category"` // nil after the category was deleted
	Genres      []Genre   `json:"genre"`
	Rating      *int      `json:"rating"` // nil when the title has no reviews
}

type Review struct {
	ID       int64     `json:"id"`
	TitleID  int64     `json:"-"`
	AuthorID string    `json:"-"`
	Author   string    `json:"author"`
	Score    int       `json:"score"`
	Text     string    `json:"text"`
	PubDate  time.Time `json:"pubDate"`
}

type Comment struct {
	ID       int64     `json:"id"`
	ReviewID int64     `json:"-"`
	AuthorID string    `json:"-"`
	Author   string    `json:"author"`
	Text     string    `json:"text"`
	PubDate  time.Time `json:"pubDate"`
}
