package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"proctorlens/internal/features"
	"proctorlens/internal/flagging"
	"proctorlens/internal/grading"
	"proctorlens/internal/pipeline"
	"proctorlens/internal/schemavalidation"
	"proctorlens/internal/store"
)

// errorResponse is the body of every non-2xx reply.
type errorResponse struct {
	Error    string                     `json:"error"`
	Problems []schemavalidation.Problem `json:"problems,omitempty"`
}

func abort(c *gin.Context, code int, err error) {
	resp := errorResponse{Error: err.Error()}
	var verr *schemavalidation.Error
	if errors.As(err, &verr) {
		resp.Error = schemavalidation.ErrInvalidDocument.Error()
		resp.Problems = verr.Problems
	}
	c.AbortWithStatusJSON(code, resp)
}

func readBody(c *gin.Context) ([]byte, bool) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abort(c, http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit))
			return nil, false
		}
		abort(c, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return nil, false
	}
	return data, true
}

// readBatch validates and decodes a batch document from the body.
func readBatch(c *gin.Context) (*pipeline.Batch, bool) {
	data, ok := readBody(c)
	if !ok {
		return nil, false
	}
	if err := schemavalidation.ValidateBatch(data); err != nil {
		abort(c, http.StatusBadRequest, err)
		return nil, false
	}
	batch, err := pipeline.ParseBatch(data)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return nil, false
	}
	return batch, true
}

// runError maps a pipeline error to a status.
func runError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, grading.ErrMissingQuestionSet):
		abort(c, http.StatusUnprocessableEntity, err)
	case c.Request.Context().Err() != nil:
		abort(c, http.StatusServiceUnavailable, err)
	default:
		abort(c, http.StatusInternalServerError, err)
	}
}

// writeResult replies with JSON, or with CSV vectors when format=csv.
func (s *Server) writeResult(c *gin.Context, code int, res *pipeline.Result) {
	if c.Query("format") == "csv" {
		rows := res.Rows()
		withLabel := false
		for _, r := range rows {
			if r.Label != nil {
				withLabel = true
				break
			}
		}
		var buf bytes.Buffer
		if err := features.WriteCSV(&buf, rows, withLabel); err != nil {
			abort(c, http.StatusInternalServerError, err)
			return
		}
		c.Data(code, "text/csv; charset=utf-8", buf.Bytes())
		return
	}
	c.JSON(code, res)
}

func (s *Server) listFeatures(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"count": features.NumFeatures,
		"names": features.Names,
	})
}

// runBatch processes a batch with its own cohort. persist=true stores the
// vectors under the batch id.
func (s *Server) runBatch(c *gin.Context) {
	batch, ok := readBatch(c)
	if !ok {
		return
	}
	res, err := s.proc.Run(c.Request.Context(), batch)
	if err != nil {
		runError(c, err)
		return
	}

	if persist, _ := strconv.ParseBool(c.Query("persist")); persist {
		if err := s.store.SaveVectors(res.BatchID, res.Rows()); err != nil {
			abort(c, http.StatusInternalServerError, err)
			return
		}
	}
	s.writeResult(c, http.StatusOK, res)
}

// createCohort builds a cohort from a batch and stores it.
func (s *Server) createCohort(c *gin.Context) {
	batch, ok := readBatch(c)
	if !ok {
		return
	}
	res, err := s.proc.Run(c.Request.Context(), batch)
	if err != nil {
		runError(c, err)
		return
	}
	if err := res.Stats.Check(); err != nil {
		abort(c, http.StatusUnprocessableEntity, err)
		return
	}

	name := c.Query("name")
	if name == "" {
		name = res.BatchID
	}
	co := &store.Cohort{
		Name:            name,
		BatchID:         res.BatchID,
		BankFingerprint: res.BankFingerprint,
		Sessions:        res.CohortSessions,
		Stats:           res.Stats,
	}
	if err := s.store.SaveCohort(co); err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	s.audit.LogCohortCreated(c.Request.Context(), co.ID, map[string]any{
		"name":     co.Name,
		"batch_id": co.BatchID,
		"sessions": co.Sessions,
	})
	c.Header("Location", "/v1/cohorts/"+co.ID)
	c.JSON(http.StatusCreated, co)
}

func (s *Server) listCohorts(c *gin.Context) {
	cohorts, err := s.store.ListCohorts()
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	if cohorts == nil {
		cohorts = []store.Cohort{}
	}
	c.JSON(http.StatusOK, gin.H{"cohorts": cohorts})
}

// lookupCohort loads the :id cohort or replies 404.
func (s *Server) lookupCohort(c *gin.Context) (*store.Cohort, bool) {
	id := c.Param("id")
	co, err := s.store.GetCohort(id)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return nil, false
	}
	if co == nil {
		abort(c, http.StatusNotFound, fmt.Errorf("%w: %s", store.ErrCohortNotFound, id))
		return nil, false
	}
	return co, true
}

func (s *Server) getCohort(c *gin.Context) {
	co, ok := s.lookupCohort(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, co)
}

func (s *Server) deleteCohort(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.DeleteCohort(id); err != nil {
		if errors.Is(err, store.ErrCohortNotFound) {
			abort(c, http.StatusNotFound, err)
			return
		}
		abort(c, http.StatusInternalServerError, err)
		return
	}
	s.audit.LogCohortDeleted(c.Request.Context(), id)
	c.Status(http.StatusNoContent)
}

// scoreCohort scores the sessions of a batch against a stored cohort.
func (s *Server) scoreCohort(c *gin.Context) {
	co, ok := s.lookupCohort(c)
	if !ok {
		return
	}
	batch, ok := readBatch(c)
	if !ok {
		return
	}

	bank, err := grading.NewBank(batch.Questions)
	if err != nil {
		abort(c, http.StatusUnprocessableEntity, err)
		return
	}
	if err := co.CheckBank(bank.Fingerprint()); err != nil {
		abort(c, http.StatusConflict, err)
		return
	}

	res, err := s.proc.ScoreBatch(c.Request.Context(), batch, bank, co.Stats)
	if err != nil {
		runError(c, err)
		return
	}
	for _, sr := range res.Sessions {
		s.audit.LogSessionScored(c.Request.Context(), co.ID, sr.SessionID)
	}
	s.writeResult(c, http.StatusOK, res)
}

// flagRequest is the body of POST /v1/flags. Centers may be omitted when the
// batch's vectors were persisted with center ids.
type flagRequest struct {
	BatchID     string            `json:"batch_id"`
	Threshold   float64           `json:"threshold"`
	Centers     map[string]string `json:"centers"`
	Predictions json.RawMessage   `json:"predictions"`
}

func (s *Server) evaluateFlags(c *gin.Context) {
	data, ok := readBody(c)
	if !ok {
		return
	}
	var req flagRequest
	if err := json.Unmarshal(data, &req); err != nil {
		abort(c, http.StatusBadRequest, fmt.Errorf("decode flag request: %w", err))
		return
	}
	if len(req.Predictions) == 0 {
		abort(c, http.StatusBadRequest, errors.New("predictions are required"))
		return
	}
	if err := schemavalidation.ValidatePredictions(req.Predictions); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	var preds []flagging.Prediction
	if err := json.Unmarshal(req.Predictions, &preds); err != nil {
		abort(c, http.StatusBadRequest, fmt.Errorf("decode predictions: %w", err))
		return
	}

	centers := req.Centers
	if len(centers) == 0 && req.BatchID != "" {
		recs, err := s.store.ListVectors(req.BatchID)
		if err != nil {
			abort(c, http.StatusInternalServerError, err)
			return
		}
		centers = make(map[string]string, len(recs))
		for _, r := range recs {
			if r.CenterID != "" {
				centers[r.SessionID] = r.CenterID
			}
		}
	}

	threshold := req.Threshold
	if threshold == 0 {
		threshold = s.Threshold()
	}
	sum, err := flagging.Evaluate(preds, centers, threshold)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	sum.BatchID = req.BatchID

	if sum.BatchID != "" {
		if err := s.store.SaveFlagSummary(sum); err != nil {
			abort(c, http.StatusInternalServerError, err)
			return
		}
	}
	s.audit.LogFlagEvaluation(c.Request.Context(), sum.BatchID, map[string]any{
		"threshold":       sum.Threshold,
		"total_sessions":  sum.TotalSessions,
		"flagged_centers": len(sum.FlaggedCenters),
	})
	c.JSON(http.StatusOK, sum)
}
