package httpapi

import (
	"net/http"
	"time"

	"github.com/pvhip/GymMaster/internal/auth"
	"github.com/pvhip/GymMaster/internal/catalog"
	"github.com/pvhip/GymMaster/internal/enrollment"
	"github.com/pvhip/GymMaster/internal/ledger"
	"github.com/pvhip/GymMaster/internal/policy"
)

type courseStatusRequest struct {
	Status catalog.CourseStatus `json:"status"`
}

type paymentRequest struct {
	Status ledger.PaymentStatus `json:"status"`
}

type progressRequest struct {
	Progress *int `json:"progress"`
}

type listEnrollmentsResponse struct {
	Items []ledger.Enrollment `json:"items"`
	AsOf  time.Time           `json:"as_of"`
}

type listCoursesResponse struct {
	Items []catalog.Course `json:"items"`
	AsOf  time.Time        `json:"as_of"`
}

// actor returns the authenticated user or writes 401.
func actor(w http.ResponseWriter, r *http.Request) (catalog.User, bool) {
	u, ok := auth.ActorFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated", auth.ErrUnauthenticated.Error())
		return catalog.User{}, false
	}
	return u, true
}

func (a *API) listCourses(w http.ResponseWriter, r *http.Request) {
	if _, ok := actor(w, r); !ok {
		return
	}
	items, err := a.svc.Courses(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listCoursesResponse{Items: items, AsOf: time.Now().UTC()})
}

func (a *API) getCourse(w http.ResponseWriter, r *http.Request) {
	if _, ok := actor(w, r); !ok {
		return
	}
	c, err := a.svc.Course(r.Context(), r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) setCourseStatus(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(w, r)
	if !ok {
		return
	}
	var req courseStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, enrollment.CodeInvalidArgument, err.Error())
		return
	}
	c, err := a.svc.SetCourseStatus(r.Context(), u, r.PathValue("id"), req.Status)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(w, r)
	if !ok {
		return
	}
	e, err := a.svc.Register(r.Context(), u, r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/enrollments/"+e.ID)
	writeJSON(w, http.StatusCreated, e)
}

func (a *API) courseRoster(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(w, r)
	if !ok {
		return
	}
	items, err := a.svc.ListForCourse(r.Context(), u, r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listEnrollmentsResponse{Items: items, AsOf: time.Now().UTC()})
}

func (a *API) courseSummary(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(w, r)
	if !ok {
		return
	}
	sum, err := a.svc.CourseSummary(r.Context(), u, r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) userSummary(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(w, r)
	if !ok {
		return
	}
	sum, err := a.svc.UserSummary(r.Context(), u, r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) instructorSummary(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(w, r)
	if !ok {
		return
	}
	sum, err := a.svc.InstructorSummary(r.Context(), u, r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) userEnrollments(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(w, r)
	if !ok {
		return
	}
	userID := r.PathValue("id")
	if err := policy.Authorize(u, policy.ActionViewEnrollments, userID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	items, err := a.svc.ListForUser(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listEnrollmentsResponse{Items: items, AsOf: time.Now().UTC()})
}

func (a *API) getEnrollment(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(w, r)
	if !ok {
		return
	}
	e, err := a.svc.Get(r.Context(), u, r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *API) cancel(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(w, r)
	if !ok {
		return
	}
	e, err := a.svc.Cancel(r.Context(), u, r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *API) payment(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, enrollment.CodeInvalidArgument, err.Error())
		return
	}

	var (
		e   ledger.Enrollment
		err error
	)
	switch req.Status {
	case ledger.PaymentPaid:
		e, err = a.svc.MarkPaid(r.Context(), u, r.PathValue("id"))
	case ledger.PaymentFailed:
		e, err = a.svc.MarkPaymentFailed(r.Context(), u, r.PathValue("id"))
	default:
		writeError(w, r, http.StatusBadRequest, enrollment.CodeInvalidArgument, `status must be "paid" or "failed"`)
		return
	}
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *API) approve(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(w, r)
	if !ok {
		return
	}
	e, err := a.svc.Approve(r.Context(), u, r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *API) complete(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(w, r)
	if !ok {
		return
	}
	e, err := a.svc.Complete(r.Context(), u, r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *API) progress(w http.ResponseWriter, r *http.Request) {
	u, ok := actor(w, r)
	if !ok {
		return
	}
	var req progressRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, enrollment.CodeInvalidArgument, err.Error())
		return
	}
	if req.Progress == nil || *req.Progress < 0 || *req.Progress > ledger.MaxProgress {
		writeError(w, r, http.StatusBadRequest, enrollment.CodeInvalidArgument, ledger.ErrInvalidProgress.Error())
		return
	}
	e, err := a.svc.UpdateProgress(r.Context(), u, r.PathValue("id"), uint8(*req.Progress))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
