package bootstrap

import "smallbiznis-economy/pkg/db/pagination"

func shopPage() pagination.Page {
	return pagination.Page{Number: 1, Size: 10}
}
