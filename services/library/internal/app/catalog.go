package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"

	"libraryhub/internal/util"
	"libraryhub/pkg/domain"
	"libraryhub/pkg/storage"
	"libraryhub/pkg/store"
)

type CreateBookInput struct {
	ISBN      string
	Title     string
	Author    string
	Location  string
	Available *bool
}

// BookUpdate carries the fields to change; nil fields are left untouched.
type BookUpdate struct {
	Title     *string
	Author    *string
	Location  *string
	Available *bool
}

// CreateBook registers a new title and assigns its library barcode.
func (a *App) CreateBook(ctx context.Context, in CreateBookInput) (domain.Book, error) {
	in.ISBN = strings.TrimSpace(in.ISBN)
	in.Title = strings.TrimSpace(in.Title)
	if in.ISBN == "" || in.Title == "" {
		return domain.Book{}, Validation("isbn and title are required")
	}
	now := a.clock()
	book := domain.Book{
		ISBN:           in.ISBN,
		Title:          in.Title,
		Author:         strings.TrimSpace(in.Author),
		Location:       strings.TrimSpace(in.Location),
		Available:      in.Available == nil || *in.Available,
		LibraryBarcode: util.NewLibraryBarcode(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := a.atomic(ctx, func(tx store.Tx) error {
		if err := tx.CreateBook(book); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return Conflict("Book with this title or ISBN already exists")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return domain.Book{}, err
	}
	return book, nil
}

// UpdateBook applies upd and returns the book with the names of the fields
// that were supplied.
func (a *App) UpdateBook(ctx context.Context, isbn string, upd BookUpdate) (domain.Book, []string, error) {
	var (
		book   domain.Book
		fields []string
	)
	err := a.atomic(ctx, func(tx store.Tx) error {
		existing, ok, err := tx.GetBook(isbn)
		if err != nil {
			return err
		}
		if !ok {
			return ErrBookNotFound
		}
		book = existing
		fields = fields[:0]
		if upd.Title != nil {
			title := strings.TrimSpace(*upd.Title)
			if title == "" {
				return Validation("title must not be empty")
			}
			book.Title = title
			fields = append(fields, "title")
		}
		if upd.Author != nil {
			book.Author = strings.TrimSpace(*upd.Author)
			fields = append(fields, "author")
		}
		if upd.Location != nil {
			book.Location = strings.TrimSpace(*upd.Location)
			fields = append(fields, "location")
		}
		if upd.Available != nil {
			book.Available = *upd.Available
			fields = append(fields, "available")
		}
		book.UpdatedAt = a.clock()
		if err := tx.UpdateBook(book); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return Conflict("Book with this title already exists")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return domain.Book{}, nil, err
	}
	return book, fields, nil
}

// UpdateBookMessage renders the confirmation for UpdateBook.
func UpdateBookMessage(book domain.Book, fields []string) string {
	return fmt.Sprintf("Book-%s updated, fields updated: [%s]", book.LibraryBarcode, strings.Join(fields, ", "))
}

// AddCopies creates quantity new copies of isbn. Serials continue after the
// highest existing one and the batch is inserted all-or-nothing.
func (a *App) AddCopies(ctx context.Context, isbn string, quantity int) ([]domain.BookCopy, error) {
	if quantity < 1 {
		return nil, Validation("quantity must be at least 1")
	}
	var copies []domain.BookCopy
	err := a.atomic(ctx, func(tx store.Tx) error {
		book, ok, err := tx.GetBook(isbn)
		if err != nil {
			return err
		}
		if !ok {
			return ErrBookNotFound
		}
		last, err := tx.MaxCopySerial(isbn)
		if err != nil {
			return err
		}
		now := a.clock()
		copies = make([]domain.BookCopy, 0, quantity)
		for i := 1; i <= quantity; i++ {
			serial := last + i
			copies = append(copies, domain.BookCopy{
				CopyBarcode: util.CopyBarcode(book.LibraryBarcode, serial),
				BookISBN:    isbn,
				Serial:      serial,
				Status:      domain.CopyAvailable,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		}
		return tx.CreateCopies(copies)
	})
	if err != nil {
		return nil, err
	}
	return copies, nil
}

// AddCopiesMessage renders the confirmation for AddCopies.
func AddCopiesMessage(isbn string, n int) string {
	return fmt.Sprintf("%d copies of ISBN-%s were created successfully", n, isbn)
}

func (a *App) GetBook(ctx context.Context, isbn string) (domain.Book, error) {
	var book domain.Book
	err := a.atomic(ctx, func(tx store.Tx) error {
		b, ok, err := tx.GetBook(strings.TrimSpace(isbn))
		if err != nil {
			return err
		}
		if !ok {
			return ErrBookNotFound
		}
		book = b
		return nil
	})
	return book, err
}

func (a *App) ListBooks(ctx context.Context) ([]domain.Book, error) {
	var books []domain.Book
	err := a.atomic(ctx, func(tx store.Tx) error {
		var err error
		books, err = tx.ListBooks()
		return err
	})
	return books, err
}

// ListCopies returns every copy of isbn ordered by serial.
func (a *App) ListCopies(ctx context.Context, isbn string) ([]domain.BookCopy, error) {
	var copies []domain.BookCopy
	err := a.atomic(ctx, func(tx store.Tx) error {
		if _, ok, err := tx.GetBook(isbn); err != nil {
			return err
		} else if !ok {
			return ErrBookNotFound
		}
		var err error
		copies, err = tx.ListCopies(isbn)
		return err
	})
	return copies, err
}

var coverExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// UploadCover stores a cover image for isbn and replaces the previous one.
func (a *App) UploadCover(ctx context.Context, isbn string, r io.Reader, size int64, contentType string) (domain.Book, error) {
	if a.covers == nil {
		return domain.Book{}, ErrCoversDisabled
	}
	ext, ok := coverExtensions[strings.ToLower(strings.TrimSpace(contentType))]
	if !ok {
		return domain.Book{}, Validation("cover must be a jpeg, png or webp image")
	}
	book, err := a.GetBook(ctx, isbn)
	if err != nil {
		return domain.Book{}, err
	}
	key := path.Join("covers", book.ISBN, uuid.NewString()+ext)
	if err := a.covers.Put(ctx, key, r, size, contentType); err != nil {
		return domain.Book{}, Internal(err)
	}
	previous := book.CoverKey
	err = a.atomic(ctx, func(tx store.Tx) error {
		current, ok, err := tx.GetBook(book.ISBN)
		if err != nil {
			return err
		}
		if !ok {
			return ErrBookNotFound
		}
		previous = current.CoverKey
		current.CoverKey = key
		current.UpdatedAt = a.clock()
		book = current
		return tx.UpdateBook(current)
	})
	if err != nil {
		_ = a.covers.Delete(ctx, key)
		return domain.Book{}, err
	}
	if previous != "" && previous != key {
		if err := a.covers.Delete(ctx, previous); err != nil {
			slog.Warn("delete previous cover failed", "isbn", book.ISBN, "key", previous, "err", err)
		}
	}
	return book, nil
}

// CoverURL returns a presigned URL for the cover of isbn.
func (a *App) CoverURL(ctx context.Context, isbn string) (string, error) {
	if a.covers == nil {
		return "", ErrCoversDisabled
	}
	book, err := a.GetBook(ctx, isbn)
	if err != nil {
		return "", err
	}
	if book.CoverKey == "" {
		return "", NotFound("Book has no cover")
	}
	u, err := a.covers.PresignGet(ctx, book.CoverKey, a.coverURLTTL)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return "", NotFound("Book has no cover")
		}
		return "", Internal(err)
	}
	return u, nil
}
