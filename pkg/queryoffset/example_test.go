package queryoffset_test

import (
	"fmt"

	"github.com/ligustah/dgcart/pkg/queryoffset"
)

func ExampleCompile() {
	filters := queryoffset.NewFilters(queryoffset.FilterEntry{
		Column: "status",
		Filter: queryoffset.TextFilter{Value: "complete", Mode: queryoffset.Include},
	})
	sort := queryoffset.NewSort(queryoffset.SortEntry{Column: "createdAt", Direction: queryoffset.Desc})

	fmt.Println(queryoffset.Compile("LILS", filters, sort))
	// Output: WHERE download.facilityName = 'LILS' AND UPPER(download.status) LIKE CONCAT('%', 'COMPLETE', '%') ORDER BY download.createdAt desc, download.id ASC
}

func ExampleSort_ShiftClick() {
	sort := queryoffset.NewSort().
		Click("transport").
		ShiftClick("userName")

	offset := queryoffset.Compile("LILS", queryoffset.Filters{}, sort)
	fmt.Println(queryoffset.Limit(offset, 0, 50))
	// Output: WHERE download.facilityName = 'LILS' ORDER BY download.transport asc, download.userName asc, download.id ASC LIMIT 0, 50
}
