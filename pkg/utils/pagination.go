package utils

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

// PaginationParams represents skip/limit pagination parameters
type PaginationParams struct {
	Skip  int
	Limit int
}

// GetPaginationParams extracts skip/limit parameters from request
func GetPaginationParams(c echo.Context) PaginationParams {
	skip, _ := strconv.Atoi(c.QueryParam("skip"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	if skip < 0 {
		skip = 0
	}

	if limit <= 0 || limit > 100 {
		limit = 50 // Default page size
	}

	return PaginationParams{
		Skip:  skip,
		Limit: limit,
	}
}
