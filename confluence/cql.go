package confluence

import (
	"fmt"
	"strings"

	"github.com/BaSui01/wikiflow/types"
)

// QuoteCQL 将任意字符串转义为可安全嵌入 CQL 的带引号字面量。
// 反斜杠和双引号必须转义，否则用户输入会破坏查询结构。
func QuoteCQL(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\', '"':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

// BuildPageSearchCQL 组装页面搜索的 CQL 查询。
// query 匹配全文，spaceKey 限定空间，两者至少提供一个。
func BuildPageSearchCQL(query, spaceKey string) (string, error) {
	parts := []string{`type = "page"`}
	if query != "" {
		parts = append(parts, fmt.Sprintf("text ~ %s", QuoteCQL(query)))
	}
	if spaceKey != "" {
		parts = append(parts, fmt.Sprintf("space = %s", QuoteCQL(spaceKey)))
	}
	if len(parts) == 1 {
		return "", types.NewError(types.ErrInvalidRequest,
			"you must provide either a search query or a space key")
	}
	return strings.Join(parts, " and "), nil
}
