package md2pdf

import (
	"strconv"
	"strings"
)

// fontSize holds the point sizes for body and code text.
type fontSize struct {
	body int
	code int
}

var fontSizes = map[string]fontSize{
	"small":  {body: 10, code: 8},
	"medium": {body: 12, code: 10},
	"large":  {body: 14, code: 12},
}

// cssFor resolves theme and font size names into ready CSS, falling
// back to light and medium for anything unrecognized.
func cssFor(theme, size string) string {
	base := lightCSS
	if theme == "dark" {
		base = darkCSS
	}
	s, ok := fontSizes[size]
	if !ok {
		s = fontSizes["medium"]
	}
	return strings.NewReplacer(
		"__BODY_PT__", strconv.Itoa(s.body),
		"__CODE_PT__", strconv.Itoa(s.code),
	).Replace(base)
}

const lightCSS = `
@page {
    size: A4;
    margin: 2cm;
}
body {
    font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif;
    font-size: __BODY_PT__pt;
    line-height: 1.6;
    color: #333;
    max-width: 100%;
}
h1 { color: #2c3e50; border-bottom: 2px solid #3498db; padding-bottom: 10px; }
h2 { color: #34495e; border-bottom: 1px solid #bdc3c7; padding-bottom: 5px; }
h3 { color: #7f8c8d; }
code {
    background-color: #f4f4f4;
    padding: 2px 6px;
    border-radius: 3px;
    font-family: 'Consolas', 'Monaco', monospace;
    font-size: __CODE_PT__pt;
}
pre {
    background-color: #f8f8f8;
    border: 1px solid #ddd;
    border-radius: 5px;
    padding: 15px;
    overflow-x: auto;
}
pre code {
    background: none;
    padding: 0;
}
blockquote {
    border-left: 4px solid #3498db;
    margin: 1em 0;
    padding: 0.5em 1em;
    background-color: #f9f9f9;
    color: #555;
}
table {
    border-collapse: collapse;
    width: 100%;
    margin: 1em 0;
}
th, td {
    border: 1px solid #ddd;
    padding: 8px 12px;
    text-align: left;
}
th {
    background-color: #3498db;
    color: white;
}
tr:nth-child(even) { background-color: #f9f9f9; }
a { color: #3498db; text-decoration: none; }
img { max-width: 100%; height: auto; }
hr { border: none; border-top: 1px solid #ddd; margin: 2em 0; }
ul, ol { padding-left: 2em; }
li { margin: 0.3em 0; }
`

const darkCSS = `
@page {
    size: A4;
    margin: 2cm;
}
body {
    font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif;
    font-size: __BODY_PT__pt;
    line-height: 1.6;
    color: #e0e0e0;
    background-color: #1e1e1e;
    max-width: 100%;
}
h1 { color: #61afef; border-bottom: 2px solid #61afef; padding-bottom: 10px; }
h2 { color: #98c379; border-bottom: 1px solid #4b5263; padding-bottom: 5px; }
h3 { color: #e5c07b; }
code {
    background-color: #2d2d2d;
    padding: 2px 6px;
    border-radius: 3px;
    font-family: 'Consolas', 'Monaco', monospace;
    font-size: __CODE_PT__pt;
    color: #e06c75;
}
pre {
    background-color: #282c34;
    border: 1px solid #4b5263;
    border-radius: 5px;
    padding: 15px;
    overflow-x: auto;
}
pre code {
    background: none;
    padding: 0;
    color: #abb2bf;
}
blockquote {
    border-left: 4px solid #61afef;
    margin: 1em 0;
    padding: 0.5em 1em;
    background-color: #2d2d2d;
    color: #abb2bf;
}
table {
    border-collapse: collapse;
    width: 100%;
    margin: 1em 0;
}
th, td {
    border: 1px solid #4b5263;
    padding: 8px 12px;
    text-align: left;
}
th {
    background-color: #3e4451;
    color: #61afef;
}
tr:nth-child(even) { background-color: #2d2d2d; }
a { color: #61afef; text-decoration: none; }
img { max-width: 100%; height: auto; }
hr { border: none; border-top: 1px solid #4b5263; margin: 2em 0; }
ul, ol { padding-left: 2em; }
li { margin: 0.3em 0; }
`
