package hub

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

func (s *Server) getBoard(c echo.Context) error {
	if _, ok, err := s.authenticate(c, false); !ok {
		return err
	}
	m := metricsFrom(c)
	start := time.Now()
	b, err := s.boards.LoadBoard(c.Request().Context(), c.Param("board"))
	m.ObserveStore(time.Since(start))
	if err != nil {
		return s.fail(c, "storage", err)
	}
	m.SetItems(len(b.Tasks))
	return c.JSON(http.StatusOK, b)
}

// clientSession identifies the sequence space of a reorder request.
func clientSession(c echo.Context, userID string) string {
	if id := c.Request().Header.Get(SessionHeader); id != "" {
		return id
	}
	return userID
}

func (s *Server) acceptSeq(c echo.Context, userID, scope string, seq uint64) error {
	if seq == 0 {
		return &domain.ValidationError{Field: "seq", Reason: "required"}
	}
	ok, err := s.seq.Accept(c.Request().Context(), c.Param("board"), scope, clientSession(c, userID), seq)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s seq %d: %w", scope, seq, domain.ErrStaleSequence)
	}
	return nil
}

func (s *Server) putRowOrder(c echo.Context) error {
	userID, ok, err := s.authenticate(c, false)
	if !ok {
		return err
	}
	var req domain.ReorderRequest
	if err := decodeBody(c, &req); err != nil {
		return s.fail(c, "decode", err)
	}
	if err := s.acceptSeq(c, userID, domain.ScopeRow.String(), req.Seq); err != nil {
		return s.fail(c, "sequence", err)
	}
	m := metricsFrom(c)
	m.SetItems(len(req.IDs))
	start := time.Now()
	err = s.boards.ReorderTasks(c.Request().Context(), c.Param("board"), req.IDs, req.Orders)
	m.ObserveStore(time.Since(start))
	if err != nil {
		return s.fail(c, "storage", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) putColumns(c echo.Context) error {
	userID, ok, err := s.authenticate(c, false)
	if !ok {
		return err
	}
	var req domain.ColumnsRequest
	if err := decodeBody(c, &req); err != nil {
		return s.fail(c, "decode", err)
	}
	if err := s.acceptSeq(c, userID, domain.ScopeColumn.String(), req.Seq); err != nil {
		return s.fail(c, "sequence", err)
	}
	m := metricsFrom(c)
	m.SetItems(len(req.Columns))
	start := time.Now()
	err = s.boards.ReplaceColumns(c.Request().Context(), c.Param("board"), req.Columns)
	m.ObserveStore(time.Since(start))
	if err != nil {
		return s.fail(c, "storage", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getRow(c echo.Context) error {
	if _, ok, err := s.authenticate(c, false); !ok {
		return err
	}
	m := metricsFrom(c)
	start := time.Now()
	t, err := s.boards.Task(c.Request().Context(), c.Param("board"), c.Param("row"))
	m.ObserveStore(time.Since(start))
	if err != nil {
		return s.fail(c, "storage", err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) patchRow(c echo.Context) error {
	if _, ok, err := s.authenticate(c, false); !ok {
		return err
	}
	var p domain.RowPayload
	if err := decodeBody(c, &p); err != nil {
		return s.fail(c, "decode", err)
	}
	m := metricsFrom(c)
	start := time.Now()
	t, err := s.boards.UpdateTask(c.Request().Context(), c.Param("board"), c.Param("row"), p)
	m.ObserveStore(time.Since(start))
	if err != nil {
		return s.fail(c, "storage", err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) postAttachments(c echo.Context) error {
	userID, ok, err := s.authenticate(c, false)
	if !ok {
		return err
	}
	boardID, rowID := c.Param("board"), c.Param("row")
	ctx := c.Request().Context()
	m := metricsFrom(c)

	if _, err := s.boards.Task(ctx, boardID, rowID); err != nil {
		return s.fail(c, "storage", err)
	}
	form, err := c.MultipartForm()
	if err != nil {
		return s.fail(c, "decode", &domain.ValidationError{Field: "files", Reason: "invalid multipart body", Err: err})
	}
	defer form.RemoveAll()
	headers := form.File["files"]
	if len(headers) == 0 {
		return s.fail(c, "decode", &domain.ValidationError{Field: "files", Reason: "no files"})
	}

	atts := make([]domain.Attachment, 0, len(headers))
	for _, fh := range headers {
		att, err := s.saveFile(c, fh)
		if err != nil {
			return s.fail(c, "files", err)
		}
		atts = append(atts, att)
	}

	start := time.Now()
	_, err = s.boards.AddAttachments(ctx, boardID, rowID, atts)
	m.ObserveStore(time.Since(start))
	if err != nil {
		return s.fail(c, "storage", err)
	}
	m.SetItems(len(atts))
	s.logger.WithFields(log.Fields{"board": boardID, "row": rowID, "user": userID, "files": len(atts)}).Debug("attachments stored")
	return c.JSON(http.StatusOK, atts)
}

func (s *Server) saveFile(c echo.Context, fh *multipart.FileHeader) (domain.Attachment, error) {
	if fh.Size > s.maxUpload {
		return domain.Attachment{}, fmt.Errorf("%s: %w", fh.Filename, domain.ErrFileTooLarge)
	}
	f, err := fh.Open()
	if err != nil {
		return domain.Attachment{}, err
	}
	defer f.Close()
	return s.files.Save(c.Request().Context(), fh.Filename, f, s.maxUpload)
}

func (s *Server) getFile(c echo.Context) error {
	name := c.Param("name")
	path, err := s.files.Path(name)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, domain.ErrorResponse{Error: "file not found"})
		}
		return s.fail(c, "files", err)
	}
	return c.File(path)
}
