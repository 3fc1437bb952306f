package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"

	"libraryhub/pkg/domain"
	"libraryhub/services/library/internal/app"
)

type createBookRequest struct {
	ISBN      string `json:"isbn" validate:"required,max=20"`
	Title     string `json:"title" validate:"required,max=255"`
	Author    string `json:"author" validate:"required,max=255"`
	Location  string `json:"location" validate:"max=255"`
	Available *bool  `json:"available"`
}

type updateBookRequest struct {
	Title     *string `json:"title" validate:"omitempty,min=1,max=255"`
	Author    *string `json:"author" validate:"omitempty,min=1,max=255"`
	Location  *string `json:"location" validate:"omitempty,max=255"`
	Available *bool   `json:"available"`
}

type generateCopiesRequest struct {
	ISBN     string `json:"isbn" validate:"required"`
	Quantity int    `json:"quantity" validate:"required,min=1,max=500"`
}

type loanBookRequest struct {
	UserUID string `json:"user_uid" validate:"required"`
	ISBN    string `json:"isbn" validate:"required"`
}

type loanReturnRequest struct {
	CopyBarcode string `json:"copy_barcode" validate:"required"`
	LoanID      string `json:"loan_id" validate:"required"`
}

type copyStatusEntry struct {
	CopyBarcode string `json:"copy_barcode" validate:"required"`
	Status      string `json:"status" validate:"required,oneof=AVAILABLE LOST DAMAGED"`
}

type copyStatusRequest struct {
	Copies []copyStatusEntry `json:"copies" validate:"required,min=1,max=500,dive"`
}

type bookResponse struct {
	Message string      `json:"message"`
	Book    domain.Book `json:"book"`
}

type copiesResponse struct {
	Message string            `json:"message"`
	Copies  []domain.BookCopy `json:"copies"`
}

type returnResponse struct {
	Message   string `json:"message"`
	DelayTime string `json:"delay_time,omitempty"`
	Fine      *int   `json:"fine,omitempty"`
}

type scheduleResponse struct {
	Message  string          `json:"message"`
	Schedule domain.Schedule `json:"schedule"`
}

type coverURLResponse struct {
	URL string `json:"url"`
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ domain.Identity) {
	var req createBookRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	book, err := s.app.CreateBook(r.Context(), app.CreateBookInput(req))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bookResponse{Message: "Book created successfully", Book: book})
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ domain.Identity) {
	books, err := s.app.ListBooks(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(books))
}

func (s *Server) handleFetchBook(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ domain.Identity) {
	isbn := strings.TrimSpace(r.URL.Query().Get("isbn"))
	if isbn == "" {
		writeError(w, r, app.Validation("isbn query parameter is required"))
		return
	}
	book, err := s.app.GetBook(r.Context(), isbn)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleUpdateBook(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ domain.Identity) {
	var req updateBookRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	book, fields, err := s.app.UpdateBook(r.Context(), ps.ByName("isbn"), app.BookUpdate(req))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bookResponse{Message: app.UpdateBookMessage(book, fields), Book: book})
}

func (s *Server) handleListCopies(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ domain.Identity) {
	copies, err := s.app.ListCopies(r.Context(), ps.ByName("isbn"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(copies))
}

func (s *Server) handleGenerateCopies(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ domain.Identity) {
	var req generateCopiesRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	copies, err := s.app.AddCopies(r.Context(), req.ISBN, req.Quantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, copiesResponse{Message: app.AddCopiesMessage(req.ISBN, len(copies)), Copies: copies})
}

func (s *Server) handleBatchCopyStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ domain.Identity) {
	var req copyStatusRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	updates := make([]app.CopyStatusUpdate, 0, len(req.Copies))
	for _, c := range req.Copies {
		updates = append(updates, app.CopyStatusUpdate{CopyBarcode: c.CopyBarcode, Status: domain.CopyStatus(c.Status)})
	}
	res, err := s.app.BatchUpdateCopyStatus(r.Context(), updates)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLoanBook(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ domain.Identity) {
	var req loanBookRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.app.IssueLoan(r.Context(), req.UserUID, req.ISBN)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleLoanReturn(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ domain.Identity) {
	var req loanReturnRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.app.ReturnLoan(r.Context(), req.CopyBarcode, req.LoanID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := returnResponse{Message: res.Message}
	if res.Fined() {
		resp.DelayTime = fmt.Sprintf("%d days", res.DelayDays)
		resp.Fine = &res.Fine
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleScheduleBook(w http.ResponseWriter, r *http.Request, ps httprouter.Params, id domain.Identity) {
	res, err := s.app.Reserve(r.Context(), id.UserUID, ps.ByName("isbn"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleExpireSchedule(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ domain.Identity) {
	sched, err := s.app.ExpireSchedule(r.Context(), ps.ByName("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleResponse{Message: "Schedule expired", Schedule: sched})
}

func (s *Server) handleUploadCover(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ domain.Identity) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxCoverBytes+(1<<20))
	if err := r.ParseMultipartForm(s.maxCoverBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, app.Validation("cover exceeds the size limit").
				WithDetails(map[string]any{"max_bytes": s.maxCoverBytes}))
			return
		}
		writeError(w, r, app.Validation("multipart form with a file field is required"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, app.Validation("file is required"))
		return
	}
	defer file.Close()
	if header.Size > s.maxCoverBytes {
		writeError(w, r, app.Validation("cover exceeds the size limit").
			WithDetails(map[string]any{"max_bytes": s.maxCoverBytes}))
		return
	}
	contentType := header.Header.Get("Content-Type")
	book, err := s.app.UploadCover(r.Context(), ps.ByName("isbn"), file, header.Size, contentType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bookResponse{Message: "Cover uploaded", Book: book})
}

func (s *Server) handleCoverURL(w http.ResponseWriter, r *http.Request, ps httprouter.Params, _ domain.Identity) {
	url, err := s.app.CoverURL(r.Context(), ps.ByName("isbn"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, coverURLResponse{URL: url})
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ domain.Identity) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, app.Validation("limit must be a positive integer"))
			return
		}
		limit = n
	}
	entries, err := s.app.ListAudit(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(entries))
}
