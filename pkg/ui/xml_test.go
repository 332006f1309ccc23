package ui

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDump = `<?xml version='1.0' encoding='UTF-8' standalone='yes' ?>
<hierarchy rotation="0">
  <node index="0" text="" resource-id="" class="android.widget.FrameLayout" package="com.example.app" content-desc="" checkable="false" checked="false" clickable="false" enabled="true" focusable="false" focused="false" scrollable="false" long-clickable="false" password="false" selected="false" bounds="[0,0][1080,1920]">
    <node index="0" text="Sign in" resource-id="com.example.app:id/btn_login" class="android.widget.Button" package="com.example.app" content-desc="Sign in button" checkable="false" checked="false" clickable="true" enabled="true" focusable="true" focused="false" scrollable="false" long-clickable="false" password="false" selected="false" bounds="[340,900][740,1020]"/>
    <node index="1" text="" resource-id="com.example.app:id/username" class="android.widget.EditText" package="com.example.app" content-desc="" checkable="false" checked="false" clickable="true" enabled="true" focusable="true" focused="true" scrollable="false" long-clickable="true" password="false" selected="false" bounds="[100,600][980,720]"/>
  </node>
</hierarchy>`

func TestParseHierarchyXML(t *testing.T) {
	root, err := ParseHierarchyXML([]byte(sampleDump))
	require.NoError(t, err)

	assert.Equal(t, "android.widget.FrameLayout", root.Class)
	assert.Equal(t, "com.example.app", root.Package)
	require.Len(t, root.Children, 2)

	button := root.Children[0]
	assert.Equal(t, "com.example.app:id/btn_login", button.ResourceID)
	assert.Equal(t, "Sign in", button.Text)
	assert.Equal(t, "Sign in button", button.ContentDesc)
	assert.True(t, button.Clickable)
	assert.Equal(t, Bounds{340, 900, 740, 1020}, button.Bounds)
	assert.Same(t, root, button.Parent())

	x, y := button.Bounds.Center()
	assert.Equal(t, 540, x)
	assert.Equal(t, 960, y)
}

func TestParseHierarchyXMLEmptyAndInvalid(t *testing.T) {
	root, err := ParseHierarchyXML([]byte(`<hierarchy rotation="0"></hierarchy>`))
	require.NoError(t, err)
	assert.Empty(t, root.Children)

	_, err = ParseHierarchyXML([]byte(`<<<not xml`))
	assert.Error(t, err)
}

func TestSelectorFromMap(t *testing.T) {
	sel, err := SelectorFromMap(map[string]any{
		"resourceId": "com.example.app:id/btn_login",
		"clickable":  true,
		"child":      map[string]any{"text": "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, "com.example.app:id/btn_login", sel.ResourceID)
	require.NotNil(t, sel.Clickable)
	assert.True(t, *sel.Clickable)
	require.NotNil(t, sel.Child)
	assert.Equal(t, "x", sel.Child.Text)

	_, err = SelectorFromMap(map[string]any{"textMatches": "(["})
	assert.Error(t, err)
}

func TestSelectorFromMapWireKeys(t *testing.T) {
	sel, err := SelectorFromMap(map[string]any{
		"description":         "Sign in button",
		"descriptionContains": "Sign",
		"packageName":         "com.example.app",
	})
	require.NoError(t, err)
	assert.Equal(t, "Sign in button", sel.ContentDesc)
	assert.Equal(t, "Sign", sel.ContentDescContains)
	assert.Equal(t, "com.example.app", sel.Package)

	el := &Element{ContentDesc: "Sign in button", Package: "com.example.app"}
	assert.True(t, sel.Matches(el))
}

func TestSelectorOverParsedDump(t *testing.T) {
	root, err := ParseHierarchyXML([]byte(sampleDump))
	require.NoError(t, err)

	sel := &Selector{ContentDescContains: "Sign in"}
	require.NoError(t, sel.Compile())
	matches := sel.FindAll(root)
	require.Len(t, matches, 1)
	assert.Equal(t, "android.widget.Button", matches[0].Class)
}
