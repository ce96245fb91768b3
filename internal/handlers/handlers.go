package handlers

import (
	"errors"
	"io"
	"log"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"campuslibrary/internal/attachments"
	"campuslibrary/internal/models"
	"campuslibrary/internal/policy"
	"campuslibrary/internal/services"
	"campuslibrary/internal/sessions"
)

const (
	callerKey = "caller"
	tokenKey  = "sessionToken"
)

// multipartOverhead allows for the boundary and part headers around an
// uploaded file.
const multipartOverhead = 64 << 10

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping() error
}

type LibraryHandler struct {
	lib      *services.Library
	files    attachments.Service
	sessions sessions.Manager
	store    Pinger
}

func RegisterRoutes(r *gin.Engine, lib *services.Library, files attachments.Service, sess sessions.Manager, store Pinger) {
	h := &LibraryHandler{lib: lib, files: files, sessions: sess, store: store}

	// Public endpoints
	r.GET("/manage/health", h.health)
	r.POST("/auth/login", h.login)
	r.POST("/auth/register", h.register)

	api := r.Group("/", h.identify)
	api.POST("/auth/logout", h.logout)

	// Admin endpoints
	api.GET("/users", h.listUsers)
	api.POST("/users", h.createUser)
	api.GET("/users/:id", h.getUser)
	api.PUT("/users/:id", h.updateUser)
	api.DELETE("/users/:id", h.deleteUser)

	// Librarian endpoints
	api.POST("/books", h.createBook)
	api.PUT("/books/:id", h.updateBook)
	api.DELETE("/books/:id", h.deleteBook)
	api.POST("/attachments", h.uploadAttachment)
	api.POST("/borrow-requests/:id/approve", h.approve)

	// Student endpoints
	api.POST("/borrow-requests", h.requestBook)
	api.POST("/borrow-requests/:id/return", h.returnBook)
	api.PUT("/ratings", h.upsertRating)

	// Staff views
	api.GET("/students", h.listStudents)
	api.GET("/students/:id/borrow-requests", h.listStudentRequests)
	api.GET("/borrow-requests", h.listAllRequests)
	api.GET("/reports/summary", h.reportSummary)

	// General endpoints
	api.GET("/books", h.listBooks)
	api.GET("/books/:id", h.getBook)
	api.GET("/books/:id/ratings", h.listBookRatings)
	api.GET("/borrow-requests/:id", h.getRequest)
	api.GET("/attachments/:ref", h.downloadAttachment)
}

// ─── Plumbing ─────────────────────────────────────────────────────────────────

// identify resolves the bearer token issued at login to a stored user. The
// caller's role is always looked up, never taken from the request.
func (h *LibraryHandler) identify(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "a bearer token from /auth/login is required"})
		return
	}
	userID, err := h.sessions.Resolve(token)
	if err != nil {
		if errors.Is(err, sessions.ErrInvalidSession) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		respondError(c, err)
		c.Abort()
		return
	}
	user, err := h.lib.Identity.Get(userID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
			return
		}
		respondError(c, err)
		c.Abort()
		return
	}
	c.Set(callerKey, models.Identity{UserID: user.UserID, Role: user.Role})
	c.Set(tokenKey, token)
	c.Next()
}

func bearerToken(c *gin.Context) (string, bool) {
	scheme, token, ok := strings.Cut(c.GetHeader("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, sessions.TokenType) {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func caller(c *gin.Context) models.Identity {
	id, _ := c.MustGet(callerKey).(models.Identity)
	return id
}

// statusFor maps the service error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrDuplicateActiveRequest), errors.Is(err, services.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("[ERROR] %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func boolQuery(c *gin.Context, name string) bool {
	v, _ := strconv.ParseBool(c.Query(name))
	return v
}

func (h *LibraryHandler) health(c *gin.Context) {
	if err := h.store.Ping(); err != nil {
		log.Printf("[ERROR] health: store unreachable: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "DOWN"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

// ─── Auth ─────────────────────────────────────────────────────────────────────

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *LibraryHandler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := h.lib.Identity.FindByCredentials(req.Email, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
		return
	}
	session, err := h.sessions.Issue(user.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, loginResponse{Session: session, User: user})
}

type loginResponse struct {
	*sessions.Session
	User *models.User `json:"user"`
}

func (h *LibraryHandler) logout(c *gin.Context) {
	if err := h.sessions.Revoke(c.GetString(tokenKey)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type registerRequest struct {
	Username   string `json:"username" binding:"required"`
	Email      string `json:"email" binding:"required"`
	Password   string `json:"password" binding:"required"`
	Department string `json:"department"`
}

func (h *LibraryHandler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := h.lib.Identity.Register(models.User{
		Username:   req.Username,
		Email:      req.Email,
		Password:   req.Password,
		Department: req.Department,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

// ─── Users ────────────────────────────────────────────────────────────────────

type createUserRequest struct {
	Username   string          `json:"username" binding:"required"`
	Email      string          `json:"email" binding:"required"`
	Password   string          `json:"password" binding:"required"`
	Role       models.UserRole `json:"role" binding:"required"`
	Department string          `json:"department"`
}

func (h *LibraryHandler) createUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := h.lib.Identity.Create(caller(c), models.User{
		Username:   req.Username,
		Email:      req.Email,
		Password:   req.Password,
		Role:       req.Role,
		Department: req.Department,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (h *LibraryHandler) listUsers(c *gin.Context) {
	users, err := h.lib.Identity.List(caller(c), services.UserFilter{
		Role:  models.UserRole(c.Query("role")),
		Query: c.Query("q"),
		Sort:  services.UserSortField(c.Query("sort")),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

// getUser is open to admins and to the user themself.
func (h *LibraryHandler) getUser(c *gin.Context) {
	id := c.Param("id")
	who := caller(c)
	if who.UserID != id {
		if err := policy.Authorize(who, policy.OpViewUsers, policy.Target{}); err != nil {
			respondError(c, err)
			return
		}
	}
	user, err := h.lib.Identity.Get(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *LibraryHandler) updateUser(c *gin.Context) {
	var patch services.UserPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := h.lib.Identity.Update(caller(c), c.Param("id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *LibraryHandler) deleteUser(c *gin.Context) {
	if err := h.lib.Identity.Delete(caller(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *LibraryHandler) listStudents(c *gin.Context) {
	students, err := h.lib.Identity.ListStudents(caller(c), c.Query("q"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, students)
}

// ─── Books ────────────────────────────────────────────────────────────────────

type createBookRequest struct {
	Title       string          `json:"title" binding:"required"`
	Type        models.BookType `json:"type" binding:"required"`
	Author      string          `json:"author" binding:"required"`
	Description string          `json:"description"`
	FileRef     string          `json:"fileRef"`
}

func (h *LibraryHandler) createBook(c *gin.Context) {
	var req createBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	book, err := h.lib.Catalog.Create(caller(c), models.Book{
		Title:       req.Title,
		Type:        req.Type,
		Author:      req.Author,
		Description: req.Description,
		FileRef:     req.FileRef,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, book)
}

func (h *LibraryHandler) updateBook(c *gin.Context) {
	var patch services.BookPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	book, err := h.lib.Catalog.Update(caller(c), c.Param("id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

func (h *LibraryHandler) deleteBook(c *gin.Context) {
	if err := h.lib.Catalog.Delete(caller(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *LibraryHandler) listBooks(c *gin.Context) {
	if err := policy.Authorize(caller(c), policy.OpViewCatalog, policy.Target{}); err != nil {
		respondError(c, err)
		return
	}
	books, err := h.lib.Catalog.List(
		services.BookFilter{Query: c.Query("q"), Type: models.BookType(c.Query("type"))},
		services.BookSort{Field: services.BookSortField(c.Query("sort")), Descending: boolQuery(c, "desc")},
	)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, books)
}

func (h *LibraryHandler) getBook(c *gin.Context) {
	if err := policy.Authorize(caller(c), policy.OpViewCatalog, policy.Target{}); err != nil {
		respondError(c, err)
		return
	}
	detail, err := h.lib.Catalog.Detail(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *LibraryHandler) listBookRatings(c *gin.Context) {
	if err := policy.Authorize(caller(c), policy.OpViewCatalog, policy.Target{}); err != nil {
		respondError(c, err)
		return
	}
	ratings, err := h.lib.Ratings.ListForBook(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ratings)
}

// ─── Attachments ──────────────────────────────────────────────────────────────

func (h *LibraryHandler) uploadAttachment(c *gin.Context) {
	who := caller(c)
	if err := policy.Authorize(who, policy.OpUploadAttachment, policy.Target{}); err != nil {
		respondError(c, err)
		return
	}
	if limit := h.files.MaxBytes(); limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(limit)+multipartOverhead)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": attachments.ErrDocumentTooLarge.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field \"file\" is required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		respondError(c, err)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		respondError(c, err)
		return
	}

	doc, err := h.files.Put(who, fh.Filename, fh.Header.Get("Content-Type"), data)
	if err != nil {
		if errors.Is(err, attachments.ErrDocumentTooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

// downloadAttachment is open to staff, and to a student only while they
// have the book carrying the attachment on loan.
func (h *LibraryHandler) downloadAttachment(c *gin.Context) {
	ref := c.Param("ref")
	if _, err := attachments.ParseRef(ref); err != nil {
		respondError(c, err)
		return
	}
	who := caller(c)
	target := policy.Target{StudentID: who.UserID}
	if who.Role == models.UserRoleStudent {
		held, err := h.lib.Lending.HasBorrowedFile(who.UserID, ref)
		if err != nil {
			respondError(c, err)
			return
		}
		target.HasBorrowedFile = held
	}
	if err := policy.Authorize(who, policy.OpViewAttachment, target); err != nil {
		respondError(c, err)
		return
	}

	doc, err := h.files.Get(ref)
	if err != nil {
		respondError(c, err)
		return
	}
	contentType := doc.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if doc.Name != "" {
		c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": doc.Name}))
	}
	c.Data(http.StatusOK, contentType, doc.Data)
}

// ─── Borrow Requests ──────────────────────────────────────────────────────────

type borrowRequest struct {
	BookID string `json:"bookId" binding:"required"`
	// StudentID defaults to the caller.
	StudentID string `json:"studentId"`
}

func (h *LibraryHandler) requestBook(c *gin.Context) {
	var req borrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	who := caller(c)
	if req.StudentID == "" {
		req.StudentID = who.UserID
	}
	created, err := h.lib.Lending.RequestBook(who, req.StudentID, req.BookID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *LibraryHandler) approve(c *gin.Context) {
	updated, err := h.lib.Lending.Approve(caller(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *LibraryHandler) returnBook(c *gin.Context) {
	updated, err := h.lib.Lending.ReturnBook(caller(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// getRequest is open to staff and to the requesting student.
func (h *LibraryHandler) getRequest(c *gin.Context) {
	req, err := h.lib.Lending.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if err := policy.Authorize(caller(c), policy.OpViewStudentRequests, policy.Target{StudentID: req.StudentID}); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func loanFilter(c *gin.Context) services.LoanFilter {
	return services.LoanFilter{
		Status:         models.BorrowStatus(c.Query("status")),
		Stage:          services.LoanStage(c.Query("stage")),
		Query:          c.Query("q"),
		IncludeOrphans: boolQuery(c, "includeOrphans"),
		Sort:           services.LoanSortField(c.Query("sort")),
	}
}

func (h *LibraryHandler) listAllRequests(c *gin.Context) {
	views, err := h.lib.Lending.ListAll(caller(c), loanFilter(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

func (h *LibraryHandler) listStudentRequests(c *gin.Context) {
	views, err := h.lib.Lending.ListForStudent(caller(c), c.Param("id"), loanFilter(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

// ─── Ratings & Reports ────────────────────────────────────────────────────────

type ratingRequest struct {
	BookID    string `json:"bookId" binding:"required"`
	StudentID string `json:"studentId"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment"`
}

func (h *LibraryHandler) upsertRating(c *gin.Context) {
	var req ratingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	who := caller(c)
	if req.StudentID == "" {
		req.StudentID = who.UserID
	}
	rating, err := h.lib.Ratings.Upsert(who, req.StudentID, req.BookID, req.Rating, req.Comment)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rating)
}

func (h *LibraryHandler) reportSummary(c *gin.Context) {
	report, err := h.lib.Reports.Summary(caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
