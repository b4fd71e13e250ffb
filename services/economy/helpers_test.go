package economy

import "smallbiznis-economy/pkg/db/pagination"

func paginationOf(limit int) pagination.Pagination {
	return pagination.Pagination{Limit: limit}
}

func pageOf(number, size int) pagination.Page {
	return pagination.Page{Number: number, Size: size}
}
