package form

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardline/internal/domain"
	"boardline/internal/gateway"
)

func fd(name string, t domain.FieldType) domain.FieldDefinition {
	return domain.FieldDefinition{Name: name, Label: name, Type: t}
}

func names(nodes []*Node) []string {
	var out []string
	for _, n := range nodes {
		out = append(out, n.Name)
	}
	return out
}

func TestPartition_NestsFieldsInInnermostContainer(t *testing.T) {
	layout := Partition([]domain.FieldDefinition{
		fd("A", domain.FieldData),
		fd("T1", domain.FieldTabBreak),
		fd("B", domain.FieldData),
		fd("S1", domain.FieldSectionBreak),
		fd("C", domain.FieldData),
		fd("cb", domain.FieldColumnBreak),
		fd("D", domain.FieldData),
		fd("S2", domain.FieldSectionBreak),
		fd("E", domain.FieldData),
	})

	assert.Equal(t, []string{"A"}, names(layout.Fields))
	assert.Empty(t, layout.Sections)
	require.Len(t, layout.Tabs, 1)
	tab := layout.Tabs[0]
	assert.Equal(t, "T1", tab.Name)
	assert.Equal(t, []string{"B"}, names(tab.Fields))
	require.Len(t, tab.Sections, 2)

	s1 := tab.Sections[0]
	assert.Equal(t, "S1", s1.Name)
	assert.Equal(t, []string{"C"}, names(s1.Fields))
	require.Len(t, s1.Columns, 1)
	assert.Equal(t, []string{"D"}, names(s1.Columns[0].Fields))

	s2 := tab.Sections[1]
	assert.Equal(t, []string{"E"}, names(s2.Fields))
	assert.Empty(t, s2.Columns)
}

func TestPartition_ColumnBreakOutsideSectionIsIgnored(t *testing.T) {
	layout := Partition([]domain.FieldDefinition{
		fd("cb0", domain.FieldColumnBreak),
		fd("A", domain.FieldData),
		fd("S", domain.FieldSectionBreak),
		fd("B", domain.FieldData),
		fd("T", domain.FieldTabBreak),
		fd("cb1", domain.FieldColumnBreak),
		fd("C", domain.FieldData),
	})
	assert.Equal(t, []string{"A"}, names(layout.Fields))
	require.Len(t, layout.Sections, 1)
	assert.Equal(t, []string{"B"}, names(layout.Sections[0].Fields))
	require.Len(t, layout.Tabs, 1)
	assert.Equal(t, []string{"C"}, names(layout.Tabs[0].Fields))
	assert.Empty(t, layout.Tabs[0].Sections)
}

func taskSchema() *domain.DocType {
	return &domain.DocType{Name: "Task", Fields: []domain.FieldDefinition{
		{Name: "subject", Label: "Subject", Type: domain.FieldData, Required: true, AllowInQuickEntry: true},
		{Name: "type", Label: "Type", Type: domain.FieldSelect, Options: "Task\nBug", AllowInQuickEntry: true},
		{Name: "severity", Label: "Severity", Type: domain.FieldSelect, Options: "Minor\nMajor", VisibleIf: "eval:type=='Bug'", RequiredIf: "eval:type=='Bug'"},
		{Name: "details", Type: domain.FieldSectionBreak, Label: "Details"},
		{Name: "is_milestone", Type: domain.FieldCheck, Default: "1"},
		{Name: "estimate", Type: domain.FieldFloat, Default: "3.5", NonNegative: true},
		{Name: "weight", Type: domain.FieldFloat, Default: "not-a-number"},
		{Name: "exp_end_date", Type: domain.FieldDate},
		{Name: "locked_note", Type: domain.FieldSmallText, ReadOnlyIf: "is_milestone"},
		{Name: "internal", Type: domain.FieldData, Hidden: true, Required: true},
		{Name: "depends_on", Type: domain.FieldTable, Options: "Task Depends On", Fields: []domain.FieldDefinition{
			{Name: "task", Type: domain.FieldLink, Options: "Task"},
			{Name: "since", Type: domain.FieldDate},
			{Name: "blocking", Type: domain.FieldCheck, Default: "true"},
		}},
	}}
}

func TestBuild_InvalidSchema(t *testing.T) {
	_, err := Build(nil, nil, Options{})
	assert.ErrorIs(t, err, ErrInvalidSchema)
	_, err = Build(&domain.DocType{Name: "Empty"}, nil, Options{})
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

func TestBuild_DefaultCoercion(t *testing.T) {
	f, err := Build(taskSchema(), map[string]any{"weight": 7.0}, Options{})
	require.NoError(t, err)
	assert.Equal(t, true, f.Value("is_milestone"))
	assert.Equal(t, 3.5, f.Value("estimate"))
	assert.Equal(t, 7.0, f.Value("weight"), "initial value wins over default")

	f, err = Build(taskSchema(), nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, f.Value("weight"))
}

func TestBuild_SuppliedNilBeatsDefault(t *testing.T) {
	f, err := Build(taskSchema(), map[string]any{"estimate": nil, "depends_on": nil}, Options{})
	require.NoError(t, err)
	assert.Nil(t, f.Value("estimate"))
	assert.Equal(t, true, f.Value("is_milestone"))
	assert.Equal(t, []map[string]any{}, f.Value("depends_on"))
}

func TestParseFloat(t *testing.T) {
	assert.Equal(t, 3.5, ParseFloat("3.5"))
	assert.Equal(t, 12.0, ParseFloat("12px"))
	assert.Equal(t, 0.0, ParseFloat("abc"))
	assert.Equal(t, -0.25, ParseFloat(" -.25"))
	assert.Equal(t, 2.0, ParseFloat(2))
	assert.Equal(t, 0.0, ParseFloat(nil))
}

func TestForm_ConditionalStateFollowsValues(t *testing.T) {
	f, err := Build(taskSchema(), map[string]any{"type": "Task"}, Options{})
	require.NoError(t, err)

	sev, _ := f.Field("severity")
	assert.True(t, sev.Hidden)
	assert.False(t, sev.Required)
	assert.NotContains(t, f.Visible(), "severity")

	require.NoError(t, f.Set("type", "Bug"))
	assert.False(t, sev.Hidden)
	assert.True(t, sev.Required)
	assert.Contains(t, f.Visible(), "severity")

	note, _ := f.Field("locked_note")
	assert.True(t, note.ReadOnly)
	require.NoError(t, f.Set("is_milestone", false))
	assert.False(t, note.ReadOnly)

	internal, _ := f.Field("internal")
	assert.True(t, internal.Hidden)
}

func TestForm_GlobalReadOnly(t *testing.T) {
	f, err := Build(taskSchema(), nil, Options{ReadOnly: true})
	require.NoError(t, err)
	for _, n := range f.Nodes() {
		assert.True(t, n.ReadOnly, n.Name)
	}
}

func TestForm_BrokenExpressionFailsOpen(t *testing.T) {
	schema := &domain.DocType{Name: "Note", Fields: []domain.FieldDefinition{
		{Name: "a", Type: domain.FieldData},
		{Name: "b", Type: domain.FieldData, VisibleIf: "eval:(a=='x'"},
	}}
	f, err := Build(schema, nil, Options{})
	require.NoError(t, err)
	b, _ := f.Field("b")
	assert.False(t, b.Hidden)
}

func TestForm_UnknownTypeFallsBackToText(t *testing.T) {
	schema := &domain.DocType{Name: "Sig", Fields: []domain.FieldDefinition{
		{Name: "sig", Type: "Signature"},
	}}
	f, err := Build(schema, nil, Options{})
	require.NoError(t, err)
	n, _ := f.Field("sig")
	tw, ok := n.Widget.(TextWidget)
	require.True(t, ok)
	assert.True(t, tw.Fallback)
	assert.Equal(t, "text", n.Kind)
}

func TestForm_QuickEntry(t *testing.T) {
	f, err := Build(taskSchema(), nil, Options{QuickEntry: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"subject", "type"}, names(f.Nodes()))
	assert.Empty(t, f.Layout.Sections)
}

func TestForm_Validate(t *testing.T) {
	f, err := Build(taskSchema(), map[string]any{"type": "Bug", "estimate": -1.0}, Options{})
	require.NoError(t, err)
	_, err = f.Submit()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.ElementsMatch(t, []string{"Subject", "Severity"}, verr.Missing)
	assert.Contains(t, verr.Invalid, "estimate")
	assert.Contains(t, err.Error(), "missing required fields")

	require.NoError(t, f.SetAll(map[string]any{"subject": "Fix login", "severity": "Major", "estimate": 2.0}))
	payload, err := f.Submit()
	require.NoError(t, err)
	assert.Equal(t, "Fix login", payload["subject"])
}

func TestSerialize_DateRoundTrip(t *testing.T) {
	due := time.Date(2024, time.May, 1, 18, 45, 0, 0, time.FixedZone("PDT", -7*3600))
	f, err := Build(taskSchema(), map[string]any{"subject": "x", "exp_end_date": due}, Options{})
	require.NoError(t, err)
	payload, err := f.Submit()
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01", payload["exp_end_date"])

	again, err := Build(taskSchema(), payload, Options{})
	require.NoError(t, err)
	parsed, err := ParseDate(again.Value("exp_end_date"))
	require.NoError(t, err)
	assert.Equal(t, 2024, parsed.Year())
	assert.Equal(t, time.May, parsed.Month())
	assert.Equal(t, 1, parsed.Day())
}

func TestFormatDate(t *testing.T) {
	s, err := FormatDate("2024-03-09T10:11:12Z", true)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-09 10:11:12", s)

	s, err = FormatDate("2024-03-09 10:11:12.000000", true)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-09 10:11:12", s)

	s, err = FormatDate("", false)
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = FormatDate("soon", false)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestForm_TableRows(t *testing.T) {
	f, err := Build(taskSchema(), map[string]any{"subject": "x"}, Options{})
	require.NoError(t, err)

	i, err := f.AddRow("depends_on")
	require.NoError(t, err)
	assert.Equal(t, 0, i)
	require.NoError(t, f.SetRowValue("depends_on", 0, "task", "T-1"))
	require.NoError(t, f.SetRowValue("depends_on", 0, "since", time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC)))
	_, err = f.AddRow("depends_on")
	require.NoError(t, err)
	require.NoError(t, f.SetRowValue("depends_on", 1, "task", "T-2"))
	f.Rows("depends_on")[1]["scratch"] = "dropped"

	assert.Error(t, f.RemoveRow("depends_on", 5))
	assert.ErrorIs(t, f.SetRowValue("depends_on", 0, "nope", 1), ErrUnknownField)
	_, err = f.AddRow("subject")
	assert.ErrorIs(t, err, ErrUnknownField)

	payload, err := f.Submit()
	require.NoError(t, err)
	rows := payload["depends_on"].([]map[string]any)
	require.Len(t, rows, 2)
	assert.Equal(t, map[string]any{"task": "T-1", "since": "2024-02-03", "blocking": true}, rows[0])
	assert.Equal(t, map[string]any{"task": "T-2", "blocking": true}, rows[1])

	require.NoError(t, f.RemoveRow("depends_on", 0))
	require.Len(t, f.Rows("depends_on"), 1)
	assert.Equal(t, "T-2", f.Rows("depends_on")[0]["task"])
}

func TestWidgetFor(t *testing.T) {
	assert.Equal(t, RatingWidget{Count: 10}, WidgetFor(domain.FieldDefinition{Type: domain.FieldRating, Options: "10"}))
	assert.Equal(t, RatingWidget{Count: 5}, WidgetFor(domain.FieldDefinition{Type: domain.FieldRating}))
	assert.Equal(t, "multiselect", WidgetFor(domain.FieldDefinition{Type: domain.FieldMultiSelect}).Kind())
	assert.Equal(t, LinkWidget{Target: "Project"}, WidgetFor(domain.FieldDefinition{Type: domain.FieldLink, Options: "Project"}))
	assert.Equal(t, TextWidget{MaxLength: 255}, WidgetFor(domain.FieldDefinition{Type: domain.FieldSmallText}))
	assert.Equal(t, "datetime", WidgetFor(domain.FieldDefinition{Type: domain.FieldDatetime}).Kind())
	assert.Equal(t, false, CheckWidget{}.Coerce("0"))
	assert.Equal(t, true, CheckWidget{}.Coerce(true))
}

func TestLinkQuery(t *testing.T) {
	q := LinkQuery(&domain.DocType{Name: "Project", TitleField: "project_name"}, "atl")
	assert.Equal(t, []string{"name as value", "project_name as label"}, q.Fields)
	assert.Equal(t, 50, q.Limit)
	assert.Equal(t, []gateway.Filter{gateway.F("project_name", gateway.OpLike, "%atl%")}, q.OrFilters)

	q = LinkQuery(nil, "")
	assert.Equal(t, []string{"name as value", "name as label"}, q.Fields)
	assert.Empty(t, q.OrFilters)
}

func TestPreview_RichText(t *testing.T) {
	schema := &domain.DocType{Name: "Task", Fields: []domain.FieldDefinition{{Name: "description", Type: domain.FieldTextEditor}}}
	f, err := Build(schema, map[string]any{"description": "<p>Ship <strong>it</strong></p>"}, Options{})
	require.NoError(t, err)
	n, _ := f.Field("description")
	assert.Equal(t, "Ship **it**", Preview(n))
}
